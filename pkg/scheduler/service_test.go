package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// fakePublisher records publishes in memory and can be told to fail.
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
	failWith  error
}

type publishedEvent struct {
	Topic string
	Key   string
	Event string
	Data  interface{}
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key, event string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, publishedEvent{Topic: topic, Key: key, Event: event, Data: data})
	return nil
}

func (f *fakePublisher) events() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedEvent(nil), f.published...)
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

func newTestService(t *testing.T, db *gorm.DB, pub bus.Publisher) *Service {
	t.Helper()
	svc, err := New(Config{DB: db, Publisher: pub})
	require.NoError(t, err)
	return svc
}

func createSubscription(t *testing.T, db *gorm.DB, schedule string) *models.Subscription {
	t.Helper()
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
		Schedule:     schedule,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func TestTick(t *testing.T) {
	t.Run("creates run and outbox entry atomically", func(t *testing.T) {
		db := newTestDB(t)
		pub := &fakePublisher{}
		svc := newTestService(t, db, pub)
		sub := createSubscription(t, db, "0 6 * * *")

		scheduled, err := svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, scheduled)

		// Tick itself must not publish; that is the dispatcher's job.
		assert.Empty(t, pub.events())

		runs, err := models.ListRuns(db, 10, 0)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, models.RunStatusPending, runs[0].Status)
		assert.Equal(t, models.RunKindSchedule, runs[0].RunKind)
		require.NotNil(t, runs[0].SubscriptionID)
		assert.Equal(t, sub.ID, *runs[0].SubscriptionID)

		entries, err := models.ListOutbox(db, models.OutboxStatusPending, 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, bus.TopicSubsSchedule, entries[0].EventType)
	})

	t.Run("nothing due means nothing scheduled", func(t *testing.T) {
		db := newTestDB(t)
		svc := newTestService(t, db, &fakePublisher{})
		sub := createSubscription(t, db, "0 6 * * *")
		require.NoError(t, sub.SetNextRunAt(db, time.Now().UTC().Add(time.Hour)))

		scheduled, err := svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, scheduled)
	})

	t.Run("claimed subscription is not rescheduled until due again", func(t *testing.T) {
		db := newTestDB(t)
		svc := newTestService(t, db, &fakePublisher{})
		createSubscription(t, db, "0 6 * * *")

		first, err := svc.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, first)

		// Fill next_run_at the way the daemon's next-run pass would.
		computed, err := svc.ComputeNextRuns(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, computed)

		second, err := svc.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, second)
	})
}

func TestComputeNextRuns(t *testing.T) {
	t.Run("uses last_run_at as the cron base", func(t *testing.T) {
		db := newTestDB(t)
		svc := newTestService(t, db, &fakePublisher{})
		sub := createSubscription(t, db, "0 6 * * *")

		last := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
		require.NoError(t, db.Model(sub).Update("last_run_at", last).Error)

		computed, err := svc.ComputeNextRuns(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, computed)

		reloaded, err := models.GetSubscription(db, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.NextRunAt)
		assert.Equal(t, time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC), reloaded.NextRunAt.UTC())
	})

	t.Run("falls back to created_at for never-run subscriptions", func(t *testing.T) {
		db := newTestDB(t)
		svc := newTestService(t, db, &fakePublisher{})
		sub := createSubscription(t, db, "0 6 * * *")

		computed, err := svc.ComputeNextRuns(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, computed)

		reloaded, err := models.GetSubscription(db, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.NextRunAt)
		assert.True(t, reloaded.NextRunAt.After(sub.CreatedAt))
	})

	t.Run("invalid schedule moves subscription to ERROR", func(t *testing.T) {
		db := newTestDB(t)
		svc := newTestService(t, db, &fakePublisher{})
		sub := createSubscription(t, db, "0 6 * * *")
		require.NoError(t, db.Model(sub).Update("schedule", "not a cron").Error)

		computed, err := svc.ComputeNextRuns(context.Background())
		require.NoError(t, err)
		assert.Zero(t, computed)

		reloaded, err := models.GetSubscription(db, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusError, reloaded.Status)
	})
}

func TestDispatchOutbox(t *testing.T) {
	t.Run("publishes pending entries and marks them", func(t *testing.T) {
		db := newTestDB(t)
		pub := &fakePublisher{}
		svc := newTestService(t, db, pub)
		createSubscription(t, db, "0 6 * * *")

		_, err := svc.Tick(context.Background())
		require.NoError(t, err)

		published, err := svc.DispatchOutbox(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, published)

		got := pub.events()
		require.Len(t, got, 1)
		assert.Equal(t, bus.TopicSubsSchedule, got[0].Topic)
		assert.Equal(t, bus.TopicSubsSchedule, got[0].Event)
		assert.NotEmpty(t, got[0].Key)

		entries, err := models.ListOutbox(db, models.OutboxStatusPublished, 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.NotNil(t, entries[0].PublishedAt)

		// Re-dispatch publishes nothing: PUBLISHED is final.
		again, err := svc.DispatchOutbox(context.Background())
		require.NoError(t, err)
		assert.Zero(t, again)
		assert.Len(t, pub.events(), 1)
	})

	t.Run("publish failure counts attempts then parks in FAILED", func(t *testing.T) {
		db := newTestDB(t)
		pub := &fakePublisher{failWith: fmt.Errorf("broker unreachable")}
		svc := newTestService(t, db, pub)
		createSubscription(t, db, "0 6 * * *")

		_, err := svc.Tick(context.Background())
		require.NoError(t, err)

		for i := 0; i < models.OutboxMaxAttempts; i++ {
			published, err := svc.DispatchOutbox(context.Background())
			require.NoError(t, err)
			assert.Zero(t, published)
		}

		failed, err := models.CountOutboxByStatus(db, models.OutboxStatusFailed)
		require.NoError(t, err)
		assert.EqualValues(t, 1, failed)

		// Operator requeue makes it eligible again.
		requeued, err := svc.RequeueFailed(10)
		require.NoError(t, err)
		assert.EqualValues(t, 1, requeued)

		pub.failWith = nil
		published, err := svc.DispatchOutbox(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, published)
	})
}

func TestRunNow(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, &fakePublisher{})
	sub := createSubscription(t, db, "0 6 * * *")
	require.NoError(t, sub.SetNextRunAt(db, time.Now().UTC().Add(24*time.Hour)))

	runID, err := svc.RunNow(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotZero(t, runID)

	run, err := models.GetRun(db, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)

	pending, err := models.CountOutboxByStatus(db, models.OutboxStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// The manual run claims the subscription like a tick would: the stale
	// next_run_at clears so the scheduled run is replaced, not doubled, and
	// last_run_at re-bases the next cron evaluation.
	reloaded, err := models.GetSubscription(db, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastRunAt)
	assert.Nil(t, reloaded.NextRunAt)

	computed, err := svc.ComputeNextRuns(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, computed)

	reloaded, err = models.GetSubscription(db, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.NextRunAt)
	assert.True(t, reloaded.NextRunAt.After(*reloaded.LastRunAt))
}

func TestEnableDisable(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, &fakePublisher{})
	sub := createSubscription(t, db, "0 6 * * *")
	require.NoError(t, sub.SetNextRunAt(db, time.Now().UTC().Add(time.Hour)))

	require.NoError(t, svc.Disable(context.Background(), sub.ID))
	reloaded, err := models.GetSubscription(db, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusDisabled, reloaded.Status)

	require.NoError(t, svc.Enable(context.Background(), sub.ID))
	reloaded, err = models.GetSubscription(db, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, reloaded.Status)
	assert.Nil(t, reloaded.NextRunAt)
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	svc := newTestService(t, db, pub)
	createSubscription(t, db, "0 6 * * *")

	_, err := svc.Tick(context.Background())
	require.NoError(t, err)

	stats, err := svc.GetStats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.Zero(t, stats.Published)

	_, err = svc.DispatchOutbox(context.Background())
	require.NoError(t, err)

	stats, err = svc.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.EqualValues(t, 1, stats.Published)
}
