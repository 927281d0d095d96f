package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/regwatch-io/regwatch/internal/config"
	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/database"
	"github.com/regwatch-io/regwatch/pkg/pipeline"
)

func main() {
	configPath := flag.String("config", "config.hcl", "Path to configuration file")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "regwatch-worker",
		Level: hclog.Info,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	logger.Info("starting regwatch-worker", "config", *configPath)

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

	store, err := blobstore.NewClient(cfg.ObjectStore, logger)
	if err != nil {
		logger.Error("failed to initialize object store", "error", err)
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

	worker, err := pipeline.New(pipeline.Config{
		DB:           db,
		Publisher:    producer,
		Store:        store,
		Logger:       logger,
		FetchTimeout: time.Duration(cfg.Worker.FetchTimeoutSeconds) * time.Second,
		UserAgent:    cfg.Worker.UserAgent,
	})
	if err != nil {
		logger.Error("failed to create pipeline worker", "error", err)
		os.Exit(1)
	}

	// One consumer per stage topic, all in the same consumer group so
	// worker replicas split partitions.
	var wg sync.WaitGroup
	var consumers []*bus.Consumer

	for topic, handler := range worker.Handlers() {
		consumer, err := bus.NewConsumer(bus.ConsumerConfig{
			Brokers:       cfg.Redpanda.Brokers,
			Topic:         topic,
			ConsumerGroup: cfg.Redpanda.ConsumerGroup,
			Handler:       handler,
			Logger:        logger,
		})
		if err != nil {
			logger.Error("failed to create consumer", "topic", topic, "error", err)
			os.Exit(1)
		}
		consumers = append(consumers, consumer)

		wg.Add(1)
		go func(c *bus.Consumer, topic string) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("consumer exited", "topic", topic, "error", err)
				cancel()
			}
		}(consumer, topic)
	}

	<-ctx.Done()
	for _, c := range consumers {
		c.Stop()
	}
	wg.Wait()

	logger.Info("regwatch-worker stopped gracefully")
}
