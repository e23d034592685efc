package cmd

import (
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/cmd/commands/operator"
	"github.com/hashicorp-forge/reindexer/internal/cmd/commands/run"
	"github.com/hashicorp-forge/reindexer/internal/cmd/commands/version"
	"github.com/hashicorp-forge/reindexer/internal/cmd/commands/worker"
)

// Commands is the mapping of all available reindexer commands.
var Commands map[string]cli.CommandFactory

func initCommands(log hclog.Logger, ui cli.Ui) {
	Commands = map[string]cli.CommandFactory{
		"run": func() (cli.Command, error) {
			return &run.Command{
				Command: base.NewCommand(log, ui, "run"),
			}, nil
		},
		"operator": func() (cli.Command, error) {
			return &operator.Command{
				Command: base.NewCommand(log, ui, "operator"),
			}, nil
		},
		"operator migrate": func() (cli.Command, error) {
			return &operator.MigrateCommand{
				Command: base.NewCommand(log, ui, "migrate"),
			}, nil
		},
		"operator cleanup-orphans": func() (cli.Command, error) {
			return &operator.CleanupCommand{
				Command: base.NewCommand(log, ui, "cleanup-orphans"),
			}, nil
		},
		"operator status": func() (cli.Command, error) {
			return &operator.StatusCommand{
				Command: base.NewCommand(log, ui, "status"),
			}, nil
		},
		"worker": func() (cli.Command, error) {
			return &worker.Command{
				Command: base.NewCommand(log, ui, "worker"),
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &version.Command{
				Command: base.NewCommand(log, ui, "version"),
			}, nil
		},
	}
}
