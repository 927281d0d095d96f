package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// handleVersioningResult hands the finished version downstream: it records
// a delivery event, publishes the parsed document on delivery.request for
// subscribers, then emits delivery.result and closes the run.
func (w *Worker) handleVersioningResult(ctx context.Context, env *bus.Envelope, runID uint, traceID string) error {
	var result events.VersioningResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return Permanent(fmt.Errorf("malformed versioning result: %w", err))
	}

	if err := w.emitRunStarted(ctx, runID, traceID); err != nil {
		return err
	}

	version, err := models.GetDocumentVersion(w.db, result.VersionID)
	if err != nil {
		return Permanent(fmt.Errorf("version %d not found: %w", result.VersionID, err))
	}

	parsedJSON, err := w.store.GetURI(ctx, version.ParsedURI)
	if err != nil {
		return fmt.Errorf("failed to fetch parsed payload: %w", err)
	}
	var parsed events.ParsedDocument
	if err := json.Unmarshal(parsedJSON, &parsed); err != nil {
		return Permanent(fmt.Errorf("stored parsed payload is malformed: %w", err))
	}

	delivery, err := models.CreatePendingDelivery(w.db, version.ID, models.DeliveryArtifactParsedDocument)
	if err != nil {
		return fmt.Errorf("failed to create delivery event: %w", err)
	}

	request := events.DeliveryRequest{
		DocID:          result.DocID,
		VersionID:      version.ID,
		ParsedDocument: &parsed,
		RunID:          runID,
		TraceID:        traceID,
	}
	if err := w.publisher.Publish(ctx, bus.TopicDeliveryRequest, runKey(runID), bus.TopicDeliveryRequest, request); err != nil {
		if markErr := delivery.MarkDeliveryFailed(w.db, err.Error()); markErr != nil {
			w.logger.Error("failed to mark delivery failed",
				"delivery_event_id", delivery.ID,
				"error", markErr,
			)
		}
		return err
	}

	if err := delivery.MarkDelivered(w.db, version.ParsedURI); err != nil {
		return err
	}

	w.logger.Info("delivered document version",
		"document_id", result.DocID,
		"version_id", version.ID,
		"delivery_event_id", delivery.ID,
		"run_id", runID,
	)

	outcome := events.DeliveryResult{
		DocID:     result.DocID,
		VersionID: version.ID,
		Status:    models.DeliveryStatusCompleted,
		Result: &events.DeliveryOutcome{
			DeliveryEventID:   delivery.ID,
			SectionsDelivered: len(parsed.Sections),
		},
		RunID:   runID,
		TraceID: traceID,
	}
	if err := w.publisher.Publish(ctx, bus.TopicDeliveryResult, runKey(runID), bus.TopicDeliveryResult, outcome); err != nil {
		return err
	}

	return w.emitRunCompleted(ctx, runID, traceID, map[string]interface{}{
		"doc_id":             result.DocID,
		"version_id":         version.ID,
		"delivery_event_id":  delivery.ID,
		"sections_delivered": len(parsed.Sections),
	})
}
