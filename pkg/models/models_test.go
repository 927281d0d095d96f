package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an in-memory sqlite database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(ModelsToAutoMigrate()...))
	return db
}

// createTestSource inserts a minimal valid source.
func createTestSource(t *testing.T, db *gorm.DB) *Source {
	t.Helper()

	src := &Source{
		Name:    "Federal Register",
		Kind:    SourceKindHTML,
		BaseURL: "https://example.gov/register",
		Enabled: true,
	}
	require.NoError(t, db.Create(src).Error)
	return src
}

// createTestSubscription inserts an ACTIVE subscription for the source.
func createTestSubscription(t *testing.T, db *gorm.DB, sourceID uint) *Subscription {
	t.Helper()

	sub := &Subscription{
		SourceID:     sourceID,
		Jurisdiction: "US-federal",
		Schedule:     "0 6 * * *",
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

// createTestRun inserts a PENDING schedule run.
func createTestRun(t *testing.T, db *gorm.DB, subscriptionID uint) uint {
	t.Helper()

	runID, err := CreateScheduleRun(db, subscriptionID, time.Now().UTC())
	require.NoError(t, err)
	return runID
}
