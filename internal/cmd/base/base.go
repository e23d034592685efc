// Package base holds what every reindexer command shares.
package base

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// Command is embedded by every command.
type Command struct {
	UI  cli.Ui
	Log hclog.Logger
}

// NewCommand returns a Command with a named logger.
func NewCommand(log hclog.Logger, ui cli.Ui, name string) *Command {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Command{
		UI:  ui,
		Log: log.Named(name),
	}
}
