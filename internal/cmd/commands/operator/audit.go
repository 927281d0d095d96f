package operator

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/regwatch-io/regwatch/internal/cmd/base"
	"github.com/regwatch-io/regwatch/pkg/audit"
)

type AuditCommand struct {
	*base.Command

	flagConfig   string
	flagDocument uint
	flagVersion  uint
}

func (c *AuditCommand) Synopsis() string {
	return "Reconstruct the audit trail of a document"
}

func (c *AuditCommand) Help() string {
	return `Usage: regwatch operator audit -document <id> [-version <id>]

  Walks every version of the document back through its run, artifacts,
  outbox entries and deliveries and prints the trail as JSON, ordered by
  timestamp. With -version the trail is scoped to that single version.` +
		c.Flags().Help()
}

func (c *AuditCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("audit", flag.ExitOnError))
	f.StringVar(&c.flagConfig, "config", "", "Path to regwatch config file")
	f.UintVar(&c.flagDocument, "document", 0, "(Required) Document id.")
	f.UintVar(&c.flagVersion, "version", 0, "Scope the trail to one version id.")
	return f
}

func (c *AuditCommand) Run(args []string) int {
	if err := c.Flags().Parse(args); err != nil {
		c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	if c.flagDocument == 0 {
		c.UI.Error("document flag is required")
		return 1
	}

	_, db, err := setup(c.flagConfig, c.Command)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	svc := audit.New(db, c.Log)
	var trail *audit.Trail
	if c.flagVersion != 0 {
		trail, err = svc.ReconstructVersion(c.flagDocument, c.flagVersion)
	} else {
		trail, err = svc.Reconstruct(c.flagDocument)
	}
	if trail == nil && err != nil {
		c.UI.Error(fmt.Sprintf("audit failed: %v", err))
		return 1
	}
	if err != nil {
		// Partial trail: print what we have, then the lookup errors.
		c.UI.Warn(fmt.Sprintf("trail is partial: %v", err))
	}

	out, marshalErr := json.MarshalIndent(trail, "", "  ")
	if marshalErr != nil {
		c.UI.Error(fmt.Sprintf("failed to render trail: %v", marshalErr))
		return 1
	}
	c.UI.Output(string(out))
	return 0
}
