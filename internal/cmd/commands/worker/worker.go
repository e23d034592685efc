package worker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/server"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/distributed"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/strategy"
)

const flushTimeout = 30 * time.Second

type Command struct {
	*base.Command

	flagConfig       string
	flagJobID        string
	flagWait         time.Duration
	flagPollInterval time.Duration
}

func (c *Command) Synopsis() string {
	return "Join a distributed reindexing job"
}

func (c *Command) Help() string {
	return `Usage: reindexer worker [options]

  This command joins a distributed job started by "reindexer run -distributed"
  on another server. It claims partitions from the shared database until none
  are left and writes into the job's staged indices. Promotion is left to the
  server that started the job.` + c.Flags().Help()
}

func (c *Command) Flags() *base.FlagSet {
	f := base.NewFlagSet(flag.NewFlagSet("worker", flag.ContinueOnError))

	f.StringVar(
		&c.flagConfig, "config", "",
		"[REINDEX_CONFIG] Path to reindexer config file",
	)
	f.StringVar(
		&c.flagJobID, "job-id", "",
		"[REINDEX_JOB_ID] Distributed job to join. Defaults to the newest active job.",
	)
	f.DurationVar(
		&c.flagWait, "wait", 0,
		"How long to wait for an active job to appear.",
	)
	f.DurationVar(
		&c.flagPollInterval, "poll-interval", 5*time.Second,
		"Interval between checks for an active job while waiting.",
	)

	return f
}

func (c *Command) Run(args []string) int {
	logger, ui := c.Log, c.UI

	f := c.Flags()
	if err := f.Parse(args); err != nil {
		ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		return 1
	}

	cfg, err := config.NewConfig(base.EnvOr(c.flagConfig, "REINDEX_CONFIG", os.LookupEnv))
	if err != nil {
		ui.Error(fmt.Sprintf("error parsing config file: %v", err))
		return 1
	}
	logger.SetLevel(hclog.LevelFromString(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	executor, err := srv.NewExecutor()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	jobID := base.EnvOr(c.flagJobID, "REINDEX_JOB_ID", os.LookupEnv)
	assignment, err := c.awaitAssignment(ctx, executor, jobID)
	if err != nil {
		ui.Error(fmt.Sprintf("error finding a job to join: %v", err))
		return 1
	}
	ui.Info(fmt.Sprintf("Joining distributed job %s as %s", assignment.JobID, executor.ServerID()))

	sink, err := srv.NewSink(assignment.Config)
	if err != nil {
		ui.Error(fmt.Sprintf("error creating sink: %v", err))
		return 1
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close sink", "error", err)
		}
	}()

	runErr := executor.Run(ctx, assignment.JobID, strategy.RunOptions{
		Sink:            sink,
		RecreateContext: assignment.RecreateContext,
	})
	if !sink.FlushAndAwait(flushTimeout) {
		logger.Warn("sink did not drain before timeout", "timeout", flushTimeout)
	}

	stats := sink.Stats()
	ui.Output(fmt.Sprintf("Worker %s indexed %d records, %d failed",
		executor.ServerID(), stats.Success, stats.Failed))

	switch {
	case runErr == nil:
		return 0
	case errors.Is(runErr, context.Canceled):
		ui.Warn("Interrupted; claimed partitions will be reclaimed after the claim timeout")
		return 1
	default:
		ui.Error(fmt.Sprintf("error working on job: %v", runErr))
		return 1
	}
}

// awaitAssignment polls for an active job until one appears or the wait
// elapses.
func (c *Command) awaitAssignment(ctx context.Context, executor *distributed.Executor, jobID string) (*distributed.Assignment, error) {
	deadline := time.Now().Add(c.flagWait)
	for {
		a, err := executor.Assignment(ctx, jobID)
		if err == nil || !errors.Is(err, distributed.ErrNoActiveJob) {
			return a, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		c.Log.Debug("waiting for an active distributed job", "poll_interval", c.flagPollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.flagPollInterval):
		}
	}
}
