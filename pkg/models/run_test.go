package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycle(t *testing.T) {
	t.Run("normal progression", func(t *testing.T) {
		db := newTestDB(t)
		src := createTestSource(t, db)
		sub := createTestSubscription(t, db, src.ID)
		runID := createTestRun(t, db, sub.ID)

		run, err := GetRun(db, runID)
		require.NoError(t, err)
		assert.Equal(t, RunStatusPending, run.Status)
		assert.Nil(t, run.EndedAt)

		require.NoError(t, run.MarkRunning(db))
		assert.Equal(t, RunStatusRunning, run.Status)

		now := time.Now().UTC()
		require.NoError(t, run.MarkCompleted(db, now))

		reloaded, err := GetRun(db, runID)
		require.NoError(t, err)
		assert.Equal(t, RunStatusCompleted, reloaded.Status)
		require.NotNil(t, reloaded.EndedAt)
	})

	t.Run("terminal states are sticky", func(t *testing.T) {
		db := newTestDB(t)
		src := createTestSource(t, db)
		sub := createTestSubscription(t, db, src.ID)
		runID := createTestRun(t, db, sub.ID)

		run, err := GetRun(db, runID)
		require.NoError(t, err)
		require.NoError(t, run.MarkCompleted(db, time.Now().UTC()))

		// A late failure report must not flip the finished run.
		require.NoError(t, run.MarkFailed(db, time.Now().UTC(), "late straggler"))

		reloaded, err := GetRun(db, runID)
		require.NoError(t, err)
		assert.Equal(t, RunStatusCompleted, reloaded.Status)
		assert.Empty(t, reloaded.Error)
	})

	t.Run("failed records the error detail", func(t *testing.T) {
		db := newTestDB(t)
		src := createTestSource(t, db)
		sub := createTestSubscription(t, db, src.ID)
		runID := createTestRun(t, db, sub.ID)

		run, err := GetRun(db, runID)
		require.NoError(t, err)
		require.NoError(t, run.MarkFailed(db, time.Now().UTC(), "fetch returned status 404"))

		reloaded, err := GetRun(db, runID)
		require.NoError(t, err)
		assert.Equal(t, RunStatusFailed, reloaded.Status)
		assert.Equal(t, "fetch returned status 404", reloaded.Error)
		assert.NotNil(t, reloaded.EndedAt)
	})

	t.Run("repeated terminal transition is a no-op", func(t *testing.T) {
		db := newTestDB(t)
		src := createTestSource(t, db)
		sub := createTestSubscription(t, db, src.ID)
		runID := createTestRun(t, db, sub.ID)

		run, err := GetRun(db, runID)
		require.NoError(t, err)

		first := time.Now().UTC()
		require.NoError(t, run.MarkCompleted(db, first))
		require.NoError(t, run.MarkCompleted(db, first.Add(time.Hour)))

		reloaded, err := GetRun(db, runID)
		require.NoError(t, err)
		assert.WithinDuration(t, first, *reloaded.EndedAt, time.Second)
	})

	t.Run("cancelled is terminal", func(t *testing.T) {
		db := newTestDB(t)
		src := createTestSource(t, db)
		sub := createTestSubscription(t, db, src.ID)
		runID := createTestRun(t, db, sub.ID)

		run, err := GetRun(db, runID)
		require.NoError(t, err)
		require.NoError(t, run.MarkCancelled(db, time.Now().UTC()))
		require.NoError(t, run.MarkRunning(db))

		reloaded, err := GetRun(db, runID)
		require.NoError(t, err)
		assert.Equal(t, RunStatusCancelled, reloaded.Status)
	})
}
