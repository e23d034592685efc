package operator

import (
	"github.com/mitchellh/cli"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Perform operator-specific tasks"
}

func (c *Command) Help() string {
	return `Usage: reindexer operator <subcommand> [options] [args]

  This command groups subcommands for operators maintaining the reindexer's
  database and search indices.`
}

func (c *Command) Run(args []string) int {
	return cli.RunResultHelp
}
