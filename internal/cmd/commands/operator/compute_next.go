package operator

import (
	"context"
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

type ComputeNextCommand struct {
	*base.Command

	flagConfig string
	flagBatch  int
}

func (c *ComputeNextCommand) Synopsis() string {
	return "Fill in missing next_run_at values from cron schedules"
}

func (c *ComputeNextCommand) Help() string {
	return `Usage: regwatch operator compute-next

  Evaluates the cron schedule of every active subscription without a
  next_run_at and writes the next fire time.` +
		c.Flags().Help()
}

func (c *ComputeNextCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("compute-next", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.IntVar(&c.flagBatch, "batch-size", 50, "Maximum subscriptions processed per pass.")
	return f
}

func (c *ComputeNextCommand) Run(args []string) int {
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

	computed, err := svc.ComputeNextRuns(context.Background())
	if err != nil {
		c.UI.Error(fmt.Sprintf("compute-next failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("computed next_run_at for %d subscription(s)", computed))
	return 0
}
