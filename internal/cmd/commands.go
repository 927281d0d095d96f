package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/internal/cmd/commands/operator"
)

// Commands maps CLI command names to factories, populated by initCommands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	b := &base.Command{UI: ui, Log: log}

	Commands = map[string]cli.CommandFactory{
		"operator": func() (cli.Command, error) {
			return &operator.Command{Command: b}, nil
		},
		"operator tick": func() (cli.Command, error) {
			return &operator.TickCommand{Command: b}, nil
		},
		"operator compute-next": func() (cli.Command, error) {
			return &operator.ComputeNextCommand{Command: b}, nil
		},
		"operator dispatch": func() (cli.Command, error) {
			return &operator.DispatchCommand{Command: b}, nil
		},
		"operator run-now": func() (cli.Command, error) {
			return &operator.RunNowCommand{Command: b}, nil
		},
		"operator enable": func() (cli.Command, error) {
			return &operator.EnableCommand{Command: b}, nil
		},
		"operator disable": func() (cli.Command, error) {
			return &operator.DisableCommand{Command: b}, nil
		},
		"operator runs": func() (cli.Command, error) {
			return &operator.RunsCommand{Command: b}, nil
		},
		"operator subscriptions": func() (cli.Command, error) {
			return &operator.SubscriptionsCommand{Command: b}, nil
		},
		"operator requeue-failed": func() (cli.Command, error) {
			return &operator.RequeueFailedCommand{Command: b}, nil
		},
		"operator outbox-stats": func() (cli.Command, error) {
			return &operator.OutboxStatsCommand{Command: b}, nil
		},
		"operator audit": func() (cli.Command, error) {
			return &operator.AuditCommand{Command: b}, nil
		},
	}
}
