package version

import (
	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/version"
)

type Command struct {
	*base.Command
}

func (c *Command) Synopsis() string {
	return "Print the reindexer version"
}

func (c *Command) Help() string {
	return `Usage: reindexer version

  This command prints the version of the reindexer.`
}

func (c *Command) Run(args []string) int {
	c.UI.Output(version.Version)
	return 0
}
