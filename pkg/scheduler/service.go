// Package scheduler turns subscription schedules into pipeline runs. It has
// three passes: the tick claims due subscriptions and enqueues work through
// the transactional outbox, the next-run computer refills next_run_at from
// cron schedules, and the dispatcher drains the outbox onto the bus.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// Service holds the scheduler's database and bus handles.
type Service struct {
	db        *gorm.DB
	publisher bus.Publisher
	logger    hclog.Logger

	tickBatchSize     int
	dispatchBatchSize int

	// now is swappable for tests.
	now func() time.Time
}

// Config holds service construction options.
type Config struct {
	DB        *gorm.DB
	Publisher bus.Publisher
	Logger    hclog.Logger

	// TickBatchSize caps subscriptions claimed per tick. Default 100.
	TickBatchSize int

	// DispatchBatchSize caps outbox entries claimed per dispatch pass.
	// Default 100.
	DispatchBatchSize int
}

// New creates the scheduler service.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.TickBatchSize == 0 {
		cfg.TickBatchSize = 100
	}
	if cfg.DispatchBatchSize == 0 {
		cfg.DispatchBatchSize = 100
	}

	return &Service{
		db:                cfg.DB,
		publisher:         cfg.Publisher,
		logger:            cfg.Logger.Named("scheduler"),
		tickBatchSize:     cfg.TickBatchSize,
		dispatchBatchSize: cfg.DispatchBatchSize,
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// Tick claims due subscriptions and, for each, creates a PENDING run and a
// PENDING outbox entry in the same transaction. Nothing touches the bus
// here; the dispatcher publishes after commit. Returns the number of runs
// scheduled.
func (s *Service) Tick(ctx context.Context) (int, error) {
	now := s.now()
	scheduled := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := models.ClaimDueSubscriptions(tx, now, s.tickBatchSize)
		if err != nil {
			return err
		}

		for _, subID := range ids {
			runID, err := models.CreateScheduleRun(tx, subID, now)
			if err != nil {
				return fmt.Errorf("failed to create run for subscription %d: %w", subID, err)
			}

			payload := map[string]interface{}{
				"subscription_id": subID,
				"run_id":          runID,
				"trace_id":        uuid.NewString(),
			}
			if _, err := models.EnqueueOutbox(tx, bus.TopicSubsSchedule, payload); err != nil {
				return fmt.Errorf("failed to enqueue schedule event for run %d: %w", runID, err)
			}

			s.logger.Debug("scheduled run",
				"subscription_id", subID,
				"run_id", runID,
			)
			scheduled++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler tick failed: %w", err)
	}

	if scheduled > 0 {
		s.logger.Info("scheduler tick", "runs_scheduled", scheduled)
	}
	return scheduled, nil
}

// ComputeNextRuns fills next_run_at for ACTIVE subscriptions that lack one,
// evaluating each cron schedule against last_run_at, falling back to
// created_at for subscriptions that never ran. A subscription with an
// unparseable schedule is moved to ERROR so it stops being selected.
func (s *Service) ComputeNextRuns(ctx context.Context) (int, error) {
	subs, err := models.FindSubscriptionsNeedingNextRun(s.db.WithContext(ctx), s.tickBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find subscriptions needing next run: %w", err)
	}

	computed := 0
	for i := range subs {
		sub := &subs[i]

		base := sub.CreatedAt
		if sub.LastRunAt != nil {
			base = *sub.LastRunAt
		}
		if base.IsZero() {
			base = s.now()
		}

		next, err := NextFire(sub.Schedule, base)
		if err != nil {
			s.logger.Error("subscription has invalid schedule, disabling",
				"subscription_id", sub.ID,
				"schedule", sub.Schedule,
				"error", err,
			)
			if setErr := sub.SetStatus(s.db, models.SubscriptionStatusError); setErr != nil {
				return computed, setErr
			}
			continue
		}

		if err := sub.SetNextRunAt(s.db, next); err != nil {
			return computed, fmt.Errorf("failed to set next_run_at for subscription %d: %w", sub.ID, err)
		}
		s.logger.Debug("computed next run",
			"subscription_id", sub.ID,
			"next_run_at", next,
		)
		computed++
	}
	return computed, nil
}

// DispatchOutbox claims a batch of PENDING outbox entries under row locks,
// publishes each to the bus and marks it PUBLISHED on acknowledgement. A
// publish failure increments the attempt counter and leaves the entry
// PENDING for a later pass; entries exhaust their attempts into FAILED.
// Returns the number published.
func (s *Service) DispatchOutbox(ctx context.Context) (int, error) {
	published := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := models.ClaimPendingOutbox(tx, s.dispatchBatchSize)
		if err != nil {
			return fmt.Errorf("failed to claim pending outbox entries: %w", err)
		}

		for i := range entries {
			entry := &entries[i]

			err := s.publisher.Publish(ctx,
				entry.EventType,
				partitionKey(entry.Payload),
				entry.EventType,
				entry.Payload,
			)
			if err != nil {
				s.logger.Error("failed to publish outbox entry",
					"outbox_id", entry.ID,
					"event_type", entry.EventType,
					"attempts", entry.Attempts+1,
					"error", err,
				)
				if markErr := entry.RecordAttemptFailure(tx); markErr != nil {
					return markErr
				}
				continue
			}

			if err := entry.MarkPublished(tx, s.now()); err != nil {
				return fmt.Errorf("failed to mark outbox entry %d published: %w", entry.ID, err)
			}
			published++
		}

		if len(entries) > 0 {
			s.logger.Info("dispatched outbox batch",
				"claimed", len(entries),
				"published", published,
			)
		}
		return nil
	})
	if err != nil {
		return published, err
	}
	return published, nil
}

// RunNow schedules an immediate run for one subscription, bypassing its
// cron schedule. Same transactional shape as Tick, including the claim
// stamp: last_run_at moves to now and next_run_at clears, so the pending
// scheduled run is replaced rather than doubled and the next-run computer
// re-bases the cron evaluation on this manual run. Returns the new run id.
func (s *Service) RunNow(ctx context.Context, subscriptionID uint) (uint, error) {
	now := s.now()
	var runID uint

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := models.GetSubscription(tx, subscriptionID)
		if err != nil {
			return fmt.Errorf("subscription %d not found: %w", subscriptionID, err)
		}

		if err := tx.Model(sub).Updates(map[string]interface{}{
			"last_run_at": now,
			"next_run_at": nil,
		}).Error; err != nil {
			return fmt.Errorf("failed to stamp subscription %d: %w", sub.ID, err)
		}

		runID, err = models.CreateScheduleRun(tx, sub.ID, now)
		if err != nil {
			return err
		}

		payload := map[string]interface{}{
			"subscription_id": sub.ID,
			"run_id":          runID,
			"trace_id":        uuid.NewString(),
		}
		_, err = models.EnqueueOutbox(tx, bus.TopicSubsSchedule, payload)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("manual run scheduled", "subscription_id", subscriptionID, "run_id", runID)
	return runID, nil
}

// Enable moves a subscription to ACTIVE and clears next_run_at so the
// next-run computer re-evaluates its schedule.
func (s *Service) Enable(ctx context.Context, subscriptionID uint) error {
	sub, err := models.GetSubscription(s.db.WithContext(ctx), subscriptionID)
	if err != nil {
		return err
	}
	if err := sub.SetStatus(s.db, models.SubscriptionStatusActive); err != nil {
		return err
	}
	return s.db.Model(sub).Update("next_run_at", nil).Error
}

// Disable moves a subscription to DISABLED. In-flight runs finish; no new
// runs are scheduled.
func (s *Service) Disable(ctx context.Context, subscriptionID uint) error {
	sub, err := models.GetSubscription(s.db.WithContext(ctx), subscriptionID)
	if err != nil {
		return err
	}
	return sub.SetStatus(s.db, models.SubscriptionStatusDisabled)
}

// CleanupOutbox deletes PUBLISHED outbox entries older than the retention
// window.
func (s *Service) CleanupOutbox(olderThan time.Duration) (int64, error) {
	deleted, err := models.DeleteOldPublishedOutbox(s.db, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("cleaned up published outbox entries", "deleted", deleted, "older_than", olderThan)
	}
	return deleted, nil
}

// RequeueFailed moves FAILED outbox entries back to PENDING for redelivery.
// Operator-driven; the dispatcher picks them up on its next pass.
func (s *Service) RequeueFailed(limit int) (int64, error) {
	requeued, err := models.RequeueFailedOutbox(s.db, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue outbox entries: %w", err)
	}
	if requeued > 0 {
		s.logger.Info("requeued failed outbox entries", "count", requeued)
	}
	return requeued, nil
}

// Stats summarizes outbox state for the observability surface.
type Stats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// GetStats returns outbox counts by status.
func (s *Service) GetStats() (Stats, error) {
	var stats Stats

	pending, err := models.CountOutboxByStatus(s.db, models.OutboxStatusPending)
	if err != nil {
		return stats, err
	}
	stats.Pending = pending

	published, err := models.CountOutboxByStatus(s.db, models.OutboxStatusPublished)
	if err != nil {
		return stats, err
	}
	stats.Published = published

	failed, err := models.CountOutboxByStatus(s.db, models.OutboxStatusFailed)
	if err != nil {
		return stats, err
	}
	stats.Failed = failed

	return stats, nil
}

// partitionKey extracts the run id from an outbox payload so all events of
// one run land on the same partition. Payloads without a run id share the
// empty key.
func partitionKey(payload map[string]interface{}) string {
	v, ok := payload["run_id"]
	if !ok {
		return ""
	}
	switch n := v.(type) {
	case float64:
		return strconv.FormatUint(uint64(n), 10)
	case uint:
		return strconv.FormatUint(uint64(n), 10)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", n)
	}
}
