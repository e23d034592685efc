package run

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/server"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/orchestrator"
)

const stopTimeout = 30 * time.Second

type Command struct {
	*base.Command

	flagConfig         string
	flagJobFile        string
	flagEntities       string
	flagBatchSize      int
	flagRecreate       bool
	flagDistributed    bool
	flagMetricsAddress string
}

func (c *Command) Synopsis() string {
	return "Run a reindexing job"
}

func (c *Command) Help() string {
	return `Usage: reindexer run [options]

  This command rebuilds search indices from the system of record. Job
  parameters come from the job file; flags that are set override them.

  Exit codes: 0 when the job completed, 2 when it completed with errors,
  1 otherwise.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("run", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[REINDEX_CONFIG] Path to reindexer config file",
	)
	f.StringVar(
		&c.flagJobFile, "job", "",
		"[REINDEX_JOB_FILE] Path to a YAML job file. Defaults to reindex.job_file from the config.",
	)
	f.StringVar(
		&c.flagEntities, "entities", "",
		`Comma-separated entity types to reindex, or "all".`,
	)
	f.IntVar(
		&c.flagBatchSize, "batch-size", 0,
		"Records per page. Zero keeps the job file value.",
	)
	f.BoolVar(
		&c.flagRecreate, "recreate", false,
		"Rebuild into staged indices and swap them in on success.",
	)
	f.BoolVar(
		&c.flagDistributed, "distributed", false,
		"Split the job into partitions claimed by distributed workers.",
	)
	f.StringVar(
		&c.flagMetricsAddress, "metrics-address", "",
		`Address to serve /metrics on. Defaults to metrics.address from the config; "off" disables it.`,
	)

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	// Parse flags.
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}
	set := make(map[string]bool)
	f.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	// Parse configuration.
	cfg, err := config.NewConfig(base.EnvOr(c.flagConfig, "REINDEX_CONFIG", os.LookupEnv))
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing config file: %v", err))
		return 1
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	params, err := c.jobParameters(cfg, set)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		ui.Error(fmt.Sprintf("error initializing reindexer: %v", err))
		return 1
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warn("error releasing resources", "error", err)
		}
	}()

	o, err := srv.Orchestrator()
	if err != nil {
		ui.Error(fmt.Sprintf("error creating orchestrator: %v", err))
		return 1
	}

	addr := cfg.Metrics.Address
	if set["metrics-address"] {
		addr = c.flagMetricsAddress
	}
	if addr != "" && addr != "off" {
		metricsSrv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(srv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "address", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logger.Warn("error shutting down metrics server", "error", err)
			}
		}()
	}

	// Handle signals for graceful shutdown. The first signal stops the job;
	// a second one cancels it outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping job", "signal", sig)
			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			o.Stop(sctx)
			scancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, aborting", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rec := o.Run(ctx, *params)
	c.report(rec)
	return exitCode(rec.Status)
}

// jobParameters loads the job file, if any, and applies flags that were set.
func (c *Command) jobParameters(cfg *config.Config, set map[string]bool) (*reindex.JobParameters, error) {
	path := base.EnvOr(c.flagJobFile, "REINDEX_JOB_FILE", os.LookupEnv)
	if path == "" {
		path = cfg.Reindex.JobFile
	}

	params := &reindex.JobParameters{}
	if path != "" {
		var err error
		params, err = config.LoadJobFile(path)
		if err != nil {
			return nil, fmt.Errorf("error loading job file: %w", err)
		}
	}

	if set["entities"] {
		params.Entities = splitEntities(c.flagEntities)
	}
	if set["batch-size"] && c.flagBatchSize > 0 {
		params.BatchSize = c.flagBatchSize
	}
	if set["recreate"] {
		params.RecreateIndex = c.flagRecreate
	}
	if set["distributed"] {
		params.UseDistributed = c.flagDistributed
	}

	if len(params.Entities) == 0 {
		return nil, fmt.Errorf("no entities to reindex: set -entities or list them in the job file")
	}
	return params, nil
}

func (c *Command) report(rec orchestrator.RunRecord) {
	c.UI.Output(fmt.Sprintf("Run %s finished with status %s", rec.ID, rec.Status))
	if rec.Stats != nil {
		c.UI.Output(fmt.Sprintf("  records: %d total, %d indexed, %d failed",
			rec.Stats.Job.Total, rec.Stats.Job.Success, rec.Stats.Job.Failed))
	}
	if rec.FailureCount > 0 {
		c.UI.Output(fmt.Sprintf("  failure records: %d", rec.FailureCount))
	}
	if rec.FailureMessage != "" {
		c.UI.Error(rec.FailureMessage)
	}
}

func metricsMux(srv *server.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	return mux
}

func splitEntities(s string) []string {
	var out []string
	for _, et := range strings.Split(s, ",") {
		if et = strings.TrimSpace(et); et != "" {
			out = append(out, et)
		}
	}
	return out
}

func exitCode(status orchestrator.RunStatus) int {
	switch status {
	case orchestrator.RunCompleted:
		return 0
	case orchestrator.RunActiveError:
		return 2
	default:
		return 1
	}
}
