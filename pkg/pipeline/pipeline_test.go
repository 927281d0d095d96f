package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// memStore is an in-memory blobstore.Store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), content...)
	return blobstore.URI("artifacts", key), nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return content, nil
}

func (m *memStore) GetURI(ctx context.Context, uri string) ([]byte, error) {
	_, key, err := blobstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return m.Get(context.Background(), key)
}

// memPublisher records publishes.
type memPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	Topic string
	Key   string
	Event string
	Data  interface{}
}

func (m *memPublisher) Publish(ctx context.Context, topic, key, event string, data interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedEvent{Topic: topic, Key: key, Event: event, Data: data})
	return nil
}

func (m *memPublisher) byTopic(topic string) []publishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedEvent
	for _, e := range m.published {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))
	return db
}

// testEnv bundles a worker and its fakes over a seeded database.
type testEnv struct {
	db    *gorm.DB
	store *memStore
	pub   *memPublisher
	w     *Worker

	source       *models.Source
	subscription *models.Subscription
	runID        uint
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	store := newMemStore()
	pub := &memPublisher{}

	w, err := New(Config{
		DB:        db,
		Publisher: pub,
		Store:     store,
	})
	require.NoError(t, err)

	src := &models.Source{
		Name:    "Federal Register",
		Kind:    models.SourceKindHTML,
		BaseURL: "https://example.gov/register",
		Enabled: true,
	}
	require.NoError(t, db.Create(src).Error)

	sub := &models.Subscription{
		SourceID:     src.ID,
		Jurisdiction: "US-federal",
		Schedule:     "0 6 * * *",
	}
	require.NoError(t, db.Create(sub).Error)

	runID, err := models.CreateScheduleRun(db, sub.ID, time.Now().UTC())
	require.NoError(t, err)

	return &testEnv{
		db:           db,
		store:        store,
		pub:          pub,
		w:            w,
		source:       src,
		subscription: sub,
		runID:        runID,
	}
}

// envelope builds a decoded bus envelope for handler-level tests.
func envelope(t *testing.T, event string, data interface{}) *bus.Envelope {
	t.Helper()
	raw, err := bus.EncodeEnvelope(event, data)
	require.NoError(t, err)
	env, err := bus.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}
