// Package base carries the pieces shared by every CLI command: the UI and
// logger handles and a flag-set wrapper that renders help text.
package base

import (
	"bytes"
	"flag"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// Command is embedded by every CLI command.
type Command struct {
	UI  cli.Ui
	Log hclog.Logger
}

// FlagSet wraps flag.FlagSet with help rendering.
type FlagSet struct {
	*flag.FlagSet
}

// NewFlagSet wraps a standard flag set.
func NewFlagSet(f *flag.FlagSet) *FlagSet {
	return &FlagSet{FlagSet: f}
}

// Help renders the flag defaults as an indented block for command help
// text.
func (f *FlagSet) Help() string {
	var buf bytes.Buffer
	f.SetOutput(&buf)
	f.PrintDefaults()
	if buf.Len() == 0 {
		return ""
	}
	return fmt.Sprintf("\n\nOptions:\n\n%s", buf.String())
}
