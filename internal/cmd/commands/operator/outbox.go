package operator

import (
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

type RequeueFailedCommand struct {
	*base.Command

	flagConfig string
	flagLimit  int
}

func (c *RequeueFailedCommand) Synopsis() string {
	return "Move failed outbox entries back to pending"
}

func (c *RequeueFailedCommand) Help() string {
	return `Usage: regwatch operator requeue-failed

  Resets failed outbox entries to pending with a fresh attempt counter so
  the dispatcher retries them.` +
		c.Flags().Help()
}

func (c *RequeueFailedCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("requeue-failed", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.IntVar(&c.flagLimit, "limit", 100, "Maximum entries to requeue.")
	return f
}

func (c *RequeueFailedCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	svc, err := scheduler.New(scheduler.Config{DB: db, Publisher: nopPublisher{}, Logger: c.Log})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	requeued, err := svc.RequeueFailed(c.flagLimit)
	if err != nil {
		c.UI.Error(fmt.Sprintf("requeue failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("requeued %d outbox entr(ies)", requeued))
	return 0
}

type OutboxStatsCommand struct {
	*base.Command

	flagConfig string
}

func (c *OutboxStatsCommand) Synopsis() string {
	return "Show outbox entry counts by status"
}

func (c *OutboxStatsCommand) Help() string {
	return `Usage: regwatch operator outbox-stats

  Prints the pending, published and failed outbox entry counts.` +
		c.Flags().Help()
}

func (c *OutboxStatsCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("outbox-stats", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	return f
}

func (c *OutboxStatsCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	svc, err := scheduler.New(scheduler.Config{DB: db, Publisher: nopPublisher{}, Logger: c.Log})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	stats, err := svc.GetStats()
	if err != nil {
		c.UI.Error(fmt.Sprintf("failed to read outbox stats: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("pending:   %d", stats.Pending))
	c.UI.Output(fmt.Sprintf("published: %d", stats.Published))
	c.UI.Output(fmt.Sprintf("failed:    %d", stats.Failed))
	return 0
}
