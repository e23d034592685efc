package operator

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/server"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/recreate"
)

type CleanupCommand struct {
	*base.Command

	flagConfig      string
	flagGracePeriod time.Duration
}

func (c *CleanupCommand) Synopsis() string {
	return "Delete staged indices left behind by unfinished runs"
}

func (c *CleanupCommand) Help() string {
	return `Usage: reindexer operator cleanup-orphans

  This command deletes staged rebuild indices older than the grace period
  that no live index name serves.` +
		c.Flags().Help()
}

func (c *CleanupCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("cleanup-orphans", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "", "[REINDEX_CONFIG] Path to reindexer config file",
	)
	f.DurationVar(
		&c.flagGracePeriod, "grace-period", 0,
		"Minimum age of a staged index before it is deleted. Zero uses reindex.orphan_grace_period from the config.",
	)

	return f
}

func (c *CleanupCommand) Run(args []string) int {
	logger, ui := c.Log, c.UI

	// Parse flags.
	flags := c.Flags()
	if err := flags.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	// Parse configuration.
	cfg, err := config.NewConfig(base.EnvOr(c.flagConfig, "REINDEX_CONFIG", os.LookupEnv))
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing config file: %v", err))
		return 1
	}

	backend, err := server.NewBackend(cfg.Search, logger)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	defer backend.Close()

	grace := c.flagGracePeriod
	if grace <= 0 {
		grace = config.Duration(cfg.Reindex.OrphanGracePeriod)
	}
	cleaner, err := recreate.NewOrphanCleaner(recreate.CleanerConfig{
		Backend:     backend,
		IndexPrefix: cfg.Search.IndexPrefix,
		GracePeriod: grace,
		Logger:      logger,
	})
	if err != nil {
		ui.Error(fmt.Sprintf("error creating orphan cleaner: %v", err))
		return 1
	}

	removed, err := cleaner.CleanupOrphans(context.Background())
	ui.Output(fmt.Sprintf("Deleted %d orphaned indices", removed))
	if err != nil {
		ui.Error(fmt.Sprintf("error cleaning up orphaned indices: %v", err))
		return 1
	}
	return 0
}
