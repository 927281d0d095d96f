// Package pipeline implements the stage workers that move a run from
// scheduling through crawling, parsing, versioning and delivery, plus the
// run-status aggregator that folds stage events into the runs table.
//
// Every handler is idempotent: the bus delivers at least once, and a stage
// that crashed after its database write but before its offset commit will
// see the same event again.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"
	"gorm.io/gorm"

	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/events"
)

// Worker bundles the handles every stage shares.
type Worker struct {
	db        *gorm.DB
	publisher bus.Publisher
	store     blobstore.Store
	logger    hclog.Logger

	httpClient *http.Client
	userAgent  string
	limiters   *sourceLimiters

	// now is swappable for tests.
	now func() time.Time
}

// Config holds worker construction options.
type Config struct {
	DB        *gorm.DB
	Publisher bus.Publisher
	Store     blobstore.Store
	Logger    hclog.Logger

	// FetchTimeout bounds a single crawl HTTP request. Default 30s.
	FetchTimeout time.Duration

	// UserAgent identifies the crawler to origin servers.
	UserAgent string
}

// New creates the stage worker set.
func New(cfg Config) (*Worker, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "regwatch-crawler/1.0"
	}

	return &Worker{
		db:         cfg.DB,
		publisher:  cfg.Publisher,
		store:      cfg.Store,
		logger:     cfg.Logger.Named("pipeline"),
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
		userAgent:  cfg.UserAgent,
		limiters:   newSourceLimiters(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handlers maps each input topic to its stage handler, for the worker
// daemon to hang consumers on.
func (w *Worker) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{
		bus.TopicSubsSchedule:     w.stageHandler("schedule", w.handleSubscriptionScheduled),
		bus.TopicCrawlRequest:     w.stageHandler("crawl", w.handleCrawlRequest),
		bus.TopicCrawlResult:      w.stageHandler("parse", w.handleCrawlResult),
		bus.TopicParseResult:      w.stageHandler("versioning", w.handleParseResult),
		bus.TopicVersioningResult: w.stageHandler("delivery", w.handleVersioningResult),
		bus.TopicRunStatus:        w.statusHandler(w.handleRunStatus),
		bus.TopicDeliveryResult:   w.statusHandler(w.handleDeliveryResult),
	}
}

// PermanentError marks a stage failure that redelivery cannot fix: bad
// input, a non-2xx origin response, unparseable content. The wrapper
// converts it into a single run.failed event and commits the offset.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// stageFunc is the typed body of one stage. The envelope has already been
// decoded and the run identity extracted.
type stageFunc func(ctx context.Context, env *bus.Envelope, runID uint, traceID string) error

// stageHandler wraps a stage body with the shared envelope and error
// discipline:
//   - a malformed envelope or a payload without a run id is logged and
//     skipped; redelivery would yield the same bytes
//   - a PermanentError emits run.failed and commits
//   - any other error leaves the offset uncommitted for redelivery
func (w *Worker) stageHandler(stage string, fn stageFunc) bus.Handler {
	logger := w.logger.Named(stage)

	return func(ctx context.Context, record *kgo.Record) error {
		env, err := bus.DecodeEnvelope(record.Value)
		if err != nil {
			logger.Error("skipping malformed event",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err,
			)
			return nil
		}

		runID, traceID, err := runIdentity(env.Data)
		if err != nil {
			logger.Error("skipping event without run identity",
				"event", env.Event,
				"error", err,
			)
			return nil
		}

		if err := fn(ctx, env, runID, traceID); err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				logger.Error("stage failed permanently",
					"event", env.Event,
					"run_id", runID,
					"error", perm.Err,
				)
				return w.emitRunFailed(ctx, runID, traceID, perm.Err)
			}
			logger.Warn("stage failed, will be redelivered",
				"event", env.Event,
				"run_id", runID,
				"error", err,
			)
			return err
		}
		return nil
	}
}

// statusHandler wraps the aggregator's handlers. Aggregation failures are
// always retryable; there is no downstream run to fail.
func (w *Worker) statusHandler(fn func(ctx context.Context, env *bus.Envelope) error) bus.Handler {
	logger := w.logger.Named("run-status")

	return func(ctx context.Context, record *kgo.Record) error {
		env, err := bus.DecodeEnvelope(record.Value)
		if err != nil {
			logger.Error("skipping malformed event",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err,
			)
			return nil
		}
		return fn(ctx, env)
	}
}

// runIdentity pulls run_id and trace_id out of a raw payload without
// committing to a payload type.
func runIdentity(data json.RawMessage) (uint, string, error) {
	var ident struct {
		RunID   uint   `json:"run_id"`
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &ident); err != nil {
		return 0, "", fmt.Errorf("malformed payload: %w", err)
	}
	if ident.RunID == 0 {
		return 0, "", fmt.Errorf("payload has no run_id")
	}
	return ident.RunID, ident.TraceID, nil
}

// runKey is the partition key for all events of one run.
func runKey(runID uint) string {
	return strconv.FormatUint(uint64(runID), 10)
}

// emitRunStarted publishes the run.started lifecycle event.
func (w *Worker) emitRunStarted(ctx context.Context, runID uint, traceID string) error {
	return w.publisher.Publish(ctx, bus.TopicRunStatus, runKey(runID), events.RunStarted,
		events.RunStatusEvent{
			RunID:   runID,
			TraceID: traceID,
			Event:   events.RunStarted,
		})
}

// emitRunCompleted publishes the run.completed lifecycle event.
func (w *Worker) emitRunCompleted(ctx context.Context, runID uint, traceID string, result map[string]interface{}) error {
	return w.publisher.Publish(ctx, bus.TopicRunStatus, runKey(runID), events.RunCompleted,
		events.RunStatusEvent{
			RunID:   runID,
			TraceID: traceID,
			Event:   events.RunCompleted,
			Result:  result,
		})
}

// emitRunFailed publishes the run.failed lifecycle event exactly once per
// handling attempt.
func (w *Worker) emitRunFailed(ctx context.Context, runID uint, traceID string, cause error) error {
	return w.publisher.Publish(ctx, bus.TopicRunStatus, runKey(runID), events.RunFailed,
		events.RunStatusEvent{
			RunID:        runID,
			TraceID:      traceID,
			Event:        events.RunFailed,
			ErrorMessage: cause.Error(),
		})
}
