package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
	"github.com/regwatch-io/regwatch/pkg/models"
)

// handleSubscriptionScheduled opens a run: it marks the run started and
// fans a crawl request out to the crawler. The subscription's source
// supplies the URL to fetch.
func (w *Worker) handleSubscriptionScheduled(ctx context.Context, env *bus.Envelope, runID uint, traceID string) error {
	var payload events.SubscriptionScheduled
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return Permanent(fmt.Errorf("malformed schedule payload: %w", err))
	}

	sub, err := models.GetSubscription(w.db, payload.SubscriptionID)
	if err != nil {
		return Permanent(fmt.Errorf("subscription %d not found: %w", payload.SubscriptionID, err))
	}
	src, err := models.GetSource(w.db, sub.SourceID)
	if err != nil {
		return Permanent(fmt.Errorf("source %d not found: %w", sub.SourceID, err))
	}
	if !src.Enabled {
		return Permanent(fmt.Errorf("source %d is disabled", src.ID))
	}

	if err := w.emitRunStarted(ctx, runID, traceID); err != nil {
		return err
	}

	request := events.CrawlRequest{
		URL:            src.BaseURL,
		SourceID:       src.ID,
		RunID:          runID,
		CrawlRequestID: uuid.NewString(),
		TraceID:        traceID,
		SubscriptionID: sub.ID,
	}
	return w.publisher.Publish(ctx, bus.TopicCrawlRequest, runKey(runID), bus.TopicCrawlRequest, request)
}
