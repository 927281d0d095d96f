package operator

import (
	"context"
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/bus"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

type DispatchCommand struct {
	*base.Command

	flagConfig string
	flagBatch  int
}

func (c *DispatchCommand) Synopsis() string {
	return "Publish pending outbox entries to the bus"
}

func (c *DispatchCommand) Help() string {
	return `Usage: regwatch operator dispatch

  Claims a batch of pending outbox entries and publishes them to Redpanda,
  marking each one published on acknowledgement.` +
		c.Flags().Help()
}

func (c *DispatchCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("dispatch", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.IntVar(&c.flagBatch, "batch-size", 100, "Maximum outbox entries claimed per pass.")
	return f
}

func (c *DispatchCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	cfg, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	producer, err := bus.NewProducer(bus.ProducerConfig{
		Brokers: cfg.Redpanda.Brokers,
		Logger:  c.Log,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating producer: %v", err))
		return 1
	}
	defer producer.Close()

	svc, err := scheduler.New(scheduler.Config{
		DB:                db,
		Publisher:         producer,
		Logger:            c.Log,
		DispatchBatchSize: c.flagBatch,
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	published, err := svc.DispatchOutbox(context.Background())
	if err != nil {
		c.UI.Error(fmt.Sprintf("dispatch failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("published %d outbox entr(ies)", published))
	return 0
}
