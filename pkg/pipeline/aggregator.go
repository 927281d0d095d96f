package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// handleRunStatus folds run lifecycle events into the runs table. Terminal
// states are sticky in the model layer, so replays and late stragglers are
// absorbed without flipping a finished run.
func (w *Worker) handleRunStatus(ctx context.Context, env *bus.Envelope) error {
	var status events.RunStatusEvent
	if err := json.Unmarshal(env.Data, &status); err != nil {
		w.logger.Error("skipping malformed run status event", "error", err)
		return nil
	}
	if status.RunID == 0 {
		w.logger.Error("skipping run status event without run_id", "event", status.Event)
		return nil
	}

	run, err := models.GetRun(w.db, status.RunID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The run row commits in the scheduler tick transaction before its
		// outbox entry can be dispatched, so an unknown run means a
		// deleted one. Drop the event.
		w.logger.Warn("run status event for unknown run", "run_id", status.RunID)
		return nil
	}
	if err != nil {
		return err
	}

	switch status.Event {
	case events.RunStarted:
		return run.MarkRunning(w.db)

	case events.RunCompleted:
		return run.MarkCompleted(w.db, w.now())

	case events.RunFailed:
		detail := status.ErrorMessage
		if status.ErrorTraceback != "" {
			detail = strings.TrimSpace(detail + "\n" + status.ErrorTraceback)
		}
		if detail == "" {
			detail = "run failed without detail"
		}
		return run.MarkFailed(w.db, w.now(), detail)

	default:
		w.logger.Warn("unknown run status event", "event", status.Event, "run_id", status.RunID)
		return nil
	}
}

// handleDeliveryResult folds terminal delivery outcomes into the runs
// table, covering deployments where only delivery.result reaches the
// aggregator.
func (w *Worker) handleDeliveryResult(ctx context.Context, env *bus.Envelope) error {
	var result events.DeliveryResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		w.logger.Error("skipping malformed delivery result", "error", err)
		return nil
	}
	if result.RunID == 0 {
		return nil
	}

	run, err := models.GetRun(w.db, result.RunID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		w.logger.Warn("delivery result for unknown run", "run_id", result.RunID)
		return nil
	}
	if err != nil {
		return err
	}

	switch result.Status {
	case models.DeliveryStatusCompleted:
		return run.MarkCompleted(w.db, w.now())
	case models.DeliveryStatusFailed:
		return run.MarkFailed(w.db, w.now(),
			fmt.Sprintf("delivery of version %d failed", result.VersionID))
	default:
		return nil
	}
}
