package operator

import (
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/models"
)

type RunsCommand struct {
	*base.Command

	flagConfig string
	flagLimit  int
	flagOffset int
}

func (c *RunsCommand) Synopsis() string {
	return "List pipeline runs, newest first"
}

func (c *RunsCommand) Help() string {
	return `Usage: regwatch operator runs

  Lists pipeline runs with their status, kind and timing.` +
		c.Flags().Help()
}

func (c *RunsCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("runs", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.IntVar(&c.flagLimit, "limit", 20, "Maximum runs to list.")
	f.IntVar(&c.flagOffset, "offset", 0, "Rows to skip.")
	return f
}

func (c *RunsCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	runs, err := models.ListRuns(db, c.flagLimit, c.flagOffset)
	if err != nil {
		c.UI.Error(fmt.Sprintf("failed to list runs: %v", err))
		return 1
	}

	for _, run := range runs {
		ended := "-"
		if run.EndedAt != nil {
			ended = run.EndedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		c.UI.Output(fmt.Sprintf("%-8d %-10s %-10s started=%s ended=%s",
			run.ID, run.Status, run.RunKind,
			run.StartedAt.UTC().Format("2006-01-02T15:04:05Z"), ended))
		if run.Error != "" {
			c.UI.Output(fmt.Sprintf("         error: %s", run.Error))
		}
	}
	return 0
}

type SubscriptionsCommand struct {
	*base.Command

	flagConfig string
	flagStatus string
	flagLimit  int
	flagOffset int
}

func (c *SubscriptionsCommand) Synopsis() string {
	return "List subscriptions and their schedules"
}

func (c *SubscriptionsCommand) Help() string {
	return `Usage: regwatch operator subscriptions

  Lists subscriptions with their schedule, status and next run time.` +
		c.Flags().Help()
}

func (c *SubscriptionsCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("subscriptions", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.StringVar(&c.flagStatus, "status", "", "Filter by status (ACTIVE, DISABLED, ERROR).")
	f.IntVar(&c.flagLimit, "limit", 50, "Maximum subscriptions to list.")
	f.IntVar(&c.flagOffset, "offset", 0, "Rows to skip.")
	return f
}

func (c *SubscriptionsCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	subs, err := models.ListSubscriptions(db, c.flagStatus, c.flagLimit, c.flagOffset)
	if err != nil {
		c.UI.Error(fmt.Sprintf("failed to list subscriptions: %v", err))
		return 1
	}

	for _, sub := range subs {
		next := "-"
		if sub.NextRunAt != nil {
			next = sub.NextRunAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		c.UI.Output(fmt.Sprintf("%-8d %-10s source=%-6d schedule=%q next=%s",
			sub.ID, sub.Status, sub.SourceID, sub.Schedule, next))
	}
	return 0
}
