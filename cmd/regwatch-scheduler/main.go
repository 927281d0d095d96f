package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/regwatch-io/regwatch/internal/config"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/database"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

func main() {
	configPath := flag.String("config", "config.hcl", "Path to configuration file")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "regwatch-scheduler",
		Level: hclog.Info,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	logger.Info("starting regwatch-scheduler", "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	db, err := database.Connect(*cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	producer, err := bus.NewProducer(bus.ProducerConfig{
		Brokers: cfg.Redpanda.Brokers,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create bus producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	service, err := scheduler.New(scheduler.Config{
		DB:                db,
		Publisher:         producer,
		Logger:            logger,
		TickBatchSize:     cfg.Scheduler.TickBatchSize,
		DispatchBatchSize: cfg.Scheduler.DispatchBatchSize,
	})
	if err != nil {
		logger.Error("failed to create scheduler service", "error", err)
		os.Exit(1)
	}

	daemon := scheduler.NewDaemon(scheduler.DaemonConfig{
		Service:          service,
		Logger:           logger,
		TickInterval:     time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		NextRunInterval:  time.Duration(cfg.Scheduler.NextRunIntervalSeconds) * time.Second,
		DispatchInterval: time.Duration(cfg.Scheduler.DispatchIntervalSeconds) * time.Second,
		OutboxRetention:  time.Duration(cfg.Scheduler.OutboxRetentionHours) * time.Hour,
	})

	if err := daemon.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler daemon failed", "error", err)
		os.Exit(1)
	}

	logger.Info("regwatch-scheduler stopped gracefully")
}
