package operator

import (
	"context"
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/scheduler"
)

type EnableCommand struct {
	*base.Command

	flagConfig       string
	flagSubscription uint
}

func (c *EnableCommand) Synopsis() string {
	return "Enable a subscription"
}

func (c *EnableCommand) Help() string {
	return `Usage: regwatch operator enable -subscription <id>

  Moves the subscription to ACTIVE and clears next_run_at so the schedule
  is re-evaluated.` +
		c.Flags().Help()
}

func (c *EnableCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("enable", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.UintVar(&c.flagSubscription, "subscription", 0, "(Required) Subscription id.")
	return f
}

func (c *EnableCommand) Run(args []string) int {
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

	svc, err := scheduler.New(scheduler.Config{DB: db, Publisher: nopPublisher{}, Logger: c.Log})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	if err := svc.Enable(context.Background(), c.flagSubscription); err != nil {
		c.UI.Error(fmt.Sprintf("enable failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("subscription %d enabled", c.flagSubscription))
	return 0
}

type DisableCommand struct {
	*base.Command

	flagConfig       string
	flagSubscription uint
}

func (c *DisableCommand) Synopsis() string {
	return "Disable a subscription"
}

func (c *DisableCommand) Help() string {
	return `Usage: regwatch operator disable -subscription <id>

  Moves the subscription to DISABLED. In-flight runs finish; no new runs
  are scheduled.` +
		c.Flags().Help()
}

func (c *DisableCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("disable", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.UintVar(&c.flagSubscription, "subscription", 0, "(Required) Subscription id.")
	return f
}

func (c *DisableCommand) Run(args []string) int {
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

	svc, err := scheduler.New(scheduler.Config{DB: db, Publisher: nopPublisher{}, Logger: c.Log})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	if err := svc.Disable(context.Background(), c.flagSubscription); err != nil {
		c.UI.Error(fmt.Sprintf("disable failed: %v", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("subscription %d disabled", c.flagSubscription))
	return 0
}
