// Package operator implements the operator subcommands of the regwatch
// CLI: scheduling passes run by hand, subscription toggles, outbox repair
// and audit-trail reconstruction.
package operator

import (
	"fmt"

	"github.com/mitchellh/cli"
	"gorm.io/gorm"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/internal/config"
	"github.com/regwatch-io/regwatch/pkg/database"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Perform operator-specific tasks"
}

func (c *Command) Help() string {
	return `Usage: regwatch operator <subcommand> [options] [args]

  This command groups subcommands for operators interacting with regwatch.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}

// setup loads the config file and opens the database, the preamble of
// every leaf command.
func setup(configPath string, cmd *base.Command) (*config.Config, *gorm.DB, error) {
	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	db, err := database.Connect(*cfg.Postgres, cmd.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("error initializing database: %w", err)
	}
	return cfg, db, nil
}
