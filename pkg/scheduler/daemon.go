package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Daemon runs the scheduler's three periodic passes until stopped.
type Daemon struct {
	service *Service
	logger  hclog.Logger

	tickInterval     time.Duration
	nextRunInterval  time.Duration
	dispatchInterval time.Duration
	outboxRetention  time.Duration

	stopCh chan struct{}
}

// DaemonConfig holds daemon construction options.
type DaemonConfig struct {
	Service *Service
	Logger  hclog.Logger

	// TickInterval is how often due subscriptions are claimed. Default 10s.
	TickInterval time.Duration

	// NextRunInterval is how often missing next_run_at values are
	// recomputed. Default 5s.
	NextRunInterval time.Duration

	// DispatchInterval is how often pending outbox entries are published.
	// Default 2s.
	DispatchInterval time.Duration

	// OutboxRetention is how long published outbox entries are kept.
	// Default 7 days.
	OutboxRetention time.Duration
}

// NewDaemon wraps a Service in its periodic loops.
func NewDaemon(cfg DaemonConfig) *Daemon {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.NextRunInterval == 0 {
		cfg.NextRunInterval = 5 * time.Second
	}
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = 2 * time.Second
	}
	if cfg.OutboxRetention == 0 {
		cfg.OutboxRetention = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Daemon{
		service:          cfg.Service,
		logger:           cfg.Logger.Named("scheduler-daemon"),
		tickInterval:     cfg.TickInterval,
		nextRunInterval:  cfg.NextRunInterval,
		dispatchInterval: cfg.DispatchInterval,
		outboxRetention:  cfg.OutboxRetention,
		stopCh:           make(chan struct{}),
	}
}

// Start blocks until the context is cancelled or Stop is called. Errors in
// one pass are logged and do not stop the others; the database is the
// source of truth, so a failed pass is retried on its next interval.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting scheduler daemon",
		"tick_interval", d.tickInterval,
		"next_run_interval", d.nextRunInterval,
		"dispatch_interval", d.dispatchInterval,
	)

	tick := time.NewTicker(d.tickInterval)
	defer tick.Stop()
	nextRun := time.NewTicker(d.nextRunInterval)
	defer nextRun.Stop()
	dispatch := time.NewTicker(d.dispatchInterval)
	defer dispatch.Stop()
	cleanup := time.NewTicker(1 * time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("scheduler daemon stopped by context")
			return ctx.Err()

		case <-d.stopCh:
			d.logger.Info("scheduler daemon stopped")
			return nil

		case <-tick.C:
			if _, err := d.service.Tick(ctx); err != nil {
				d.logger.Error("tick pass failed", "error", err)
			}

		case <-nextRun.C:
			if _, err := d.service.ComputeNextRuns(ctx); err != nil {
				d.logger.Error("next-run pass failed", "error", err)
			}

		case <-dispatch.C:
			if _, err := d.service.DispatchOutbox(ctx); err != nil {
				d.logger.Error("dispatch pass failed", "error", err)
			}

		case <-cleanup.C:
			if _, err := d.service.CleanupOutbox(d.outboxRetention); err != nil {
				d.logger.Error("outbox cleanup failed", "error", err)
			}
		}
	}
}

// Stop shuts the daemon down after the in-flight pass finishes.
func (d *Daemon) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}
