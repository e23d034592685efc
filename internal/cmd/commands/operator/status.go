package operator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"gorm.io/gorm"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/server"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/orchestrator"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/store"
)

type StatusCommand struct {
	*base.Command

	flagConfig string
	flagRunID  string
	flagJob    string
}

func (c *StatusCommand) Synopsis() string {
	return "Show the status of a reindexing run"
}

func (c *StatusCommand) Help() string {
	return `Usage: reindexer operator status

  This command prints the stored record of a reindexing run, by default the
  most recent run of the configured job.` +
		c.Flags().Help()
}

func (c *StatusCommand) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("status", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "", "[REINDEX_CONFIG] Path to reindexer config file",
	)
	f.StringVar(
		&c.flagRunID, "run-id", "", "Run to show. Defaults to the latest run.",
	)
	f.StringVar(
		&c.flagJob, "job-name", "", "Job name to look up. Defaults to job_name from the config.",
	)

	return f
}

func (c *StatusCommand) Run(args []string) int {
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

	db, err := server.OpenDatabase(cfg.Database, logger)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	jobName := c.flagJob
	if jobName == "" {
		jobName = cfg.JobName
	}
	var opts []store.Option
	if jobName != "" {
		opts = append(opts, store.WithJobName(jobName))
	}
	opts = append(opts, store.WithLogger(logger))
	s, err := store.New(db, opts...)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx := context.Background()
	var rec *orchestrator.RunRecord
	if c.flagRunID != "" {
		rec, err = s.LoadRun(ctx, c.flagRunID)
	} else {
		rec, err = s.LatestRun(ctx)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ui.Error("no matching run found")
		return 1
	}
	if err != nil {
		ui.Error(fmt.Sprintf("error loading run: %v", err))
		return 1
	}

	c.print(rec)
	return 0
}

func (c *StatusCommand) print(rec *orchestrator.RunRecord) {
	ui := c.UI
	ui.Output(fmt.Sprintf("Run:      %s", rec.ID))
	ui.Output(fmt.Sprintf("Job:      %s", rec.JobName))
	ui.Output(fmt.Sprintf("Status:   %s", rec.Status))
	ui.Output(fmt.Sprintf("Started:  %s", rec.StartedAt.Format("2006-01-02 15:04:05 MST")))
	if !rec.EndedAt.IsZero() {
		ui.Output(fmt.Sprintf("Ended:    %s (%s)", rec.EndedAt.Format("2006-01-02 15:04:05 MST"), rec.EndedAt.Sub(rec.StartedAt)))
	}
	if rec.Stats != nil {
		ui.Output(fmt.Sprintf("Records:  %d total, %d indexed, %d failed",
			rec.Stats.Job.Total, rec.Stats.Job.Success, rec.Stats.Job.Failed))
		types := rec.Stats.EntityTypes()
		sort.Strings(types)
		for _, et := range types {
			st := rec.Stats.Entities[et]
			ui.Output(fmt.Sprintf("  %-30s %d/%d (%d failed)", et, st.Success, st.Total, st.Failed))
		}
	}
	if rec.FailureCount > 0 {
		ui.Output(fmt.Sprintf("Failures: %d", rec.FailureCount))
	}
	if rec.FailureMessage != "" {
		ui.Output(fmt.Sprintf("Error:    %s", rec.FailureMessage))
	}
}
