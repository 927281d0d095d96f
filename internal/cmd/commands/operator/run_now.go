package operator

import (
	"context"
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

type RunNowCommand struct {
	*base.Command

	flagConfig       string
	flagSubscription uint
}

func (c *RunNowCommand) Synopsis() string {
	return "Schedule an immediate run for a subscription"
}

func (c *RunNowCommand) Help() string {
	return `Usage: regwatch operator run-now -subscription <id>

  Creates a run and its outbox entry for the subscription right away,
  bypassing the cron schedule.` +
		c.Flags().Help()
}

func (c *RunNowCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("run-now", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.UintVar(&c.flagSubscription, "subscription", 0, "(Required) Subscription id to run.")
	return f
}

func (c *RunNowCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagSubscription == 0 {
		c.UI.Error("subscription flag is required")
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	svc, err := scheduler.New(scheduler.Config{
		DB:        db,
		Publisher: nopPublisher{},
		Logger:    c.Log,
	})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	runID, err := svc.RunNow(context.Background(), c.flagSubscription)
	if err != nil {
		c.UI.Error(fmt.Sprintf("run-now failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("scheduled run %d for subscription %d", runID, c.flagSubscription))
	return 0
}
