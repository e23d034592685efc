package operator

import (
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/migrate"
	"github.com/hashicorp-forge/reindexer/internal/server"
)

type MigrateCommand struct {
	*base.Command

	flagConfig string
}

func (c *MigrateCommand) Synopsis() string {
	return "Apply database schema migrations"
}

func (c *MigrateCommand) Help() string {
	return `Usage: reindexer operator migrate

  This command applies pending schema migrations for run records, failure
  records and distributed partitions, then prints the schema version.` +
		c.Flags().Help()
}

func (c *MigrateCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("migrate", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "", "[REINDEX_CONFIG] Path to reindexer config file",
	)

	return f
}

func (c *MigrateCommand) Run(args []string) int {
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

	// Initialize database.
	db, err := server.OpenDatabase(cfg.Database, logger)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	sqlDB, err := db.DB()
	if err != nil {
		ui.Error(fmt.Sprintf("error getting underlying SQL DB: %v", err))
		return 1
	}
	defer sqlDB.Close()

	if err := migrate.RunMigrations(sqlDB, cfg.Database.Driver); err != nil {
		ui.Error(fmt.Sprintf("error running migrations: %v", err))
		return 1
	}

	version, dirty, err := migrate.GetMigrationVersion(sqlDB, cfg.Database.Driver)
	if err != nil {
		ui.Error(fmt.Sprintf("error reading migration version: %v", err))
		return 1
	}
	if dirty {
		ui.Warn(fmt.Sprintf("schema version %d is dirty", version))
		return 1
	}
	ui.Output(fmt.Sprintf("Schema is at version %d", version))
	return 0
}
