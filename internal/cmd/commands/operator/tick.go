package operator

import (
	"context"
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

// nopPublisher satisfies the scheduler's publisher dependency for commands
// that only write to the database. The tick and run-now paths never touch
// the bus; publishing is the dispatcher's job.
type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic, key, event string, data interface{}) error {
	return fmt.Errorf("this command does not publish; run 'regwatch operator dispatch'")
}

type TickCommand struct {
	*base.Command

	flagConfig string
	flagBatch  int
}

func (c *TickCommand) Synopsis() string {
	return "Run one scheduler tick, claiming due subscriptions"
}

func (c *TickCommand) Help() string {
	return `Usage: regwatch operator tick

  Claims due subscriptions and creates their runs and outbox entries in one
  transaction. Pending entries are published by the dispatcher.` +
		c.Flags().Help()
}

func (c *TickCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("tick", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.IntVar(&c.flagBatch, "batch-size", 100, "Maximum subscriptions claimed per tick.")
	return f
}

func (c *TickCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	svc, err := scheduler.New(scheduler.Config{
		DB:            db,
		Publisher:     nopPublisher{},
		Logger:        c.Log,
		TickBatchSize: c.flagBatch,
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	scheduled, err := svc.Tick(context.Background())
	if err != nil {
		c.UI.Error(fmt.Sprintf("tick failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("scheduled %d run(s)", scheduled))
	return 0
}
