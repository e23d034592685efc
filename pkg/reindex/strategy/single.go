package strategy

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/pipeline"
)

// SingleConfig configures a Single strategy.
type SingleConfig struct {
	Pipeline pipeline.Config
	NewSink  SinkFactory
	Recreate reindex.RecreateHandler
}

// Single runs the whole job through one in-process pipeline.
type Single struct {
	pipeline *pipeline.Pipeline
	newSink  SinkFactory
	recreate reindex.RecreateHandler
	logger   hclog.Logger
}

var _ Strategy = (*Single)(nil)

// NewSingle creates a Single strategy.
func NewSingle(cfg SingleConfig) (*Single, error) {
	if cfg.NewSink == nil {
		return nil, fmt.Errorf("sink factory is required")
	}
	if cfg.Pipeline.Logger == nil {
		cfg.Pipeline.Logger = hclog.NewNullLogger()
	}
	p, err := pipeline.New(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return &Single{
		pipeline: p,
		newSink:  cfg.NewSink,
		recreate: cfg.Recreate,
		logger:   cfg.Pipeline.Logger.Named("single-server"),
	}, nil
}

func (s *Single) AddListener(l reindex.ProgressListener) {
	s.pipeline.AddListener(l)
}

func (s *Single) Execute(ctx context.Context, cfg reindex.Configuration, jc reindex.JobContext) (*reindex.ExecutionResult, error) {
	sink, err := s.newSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	rc, err := prepareRecreate(ctx, cfg, s.recreate)
	if err != nil {
		if cerr := sink.Close(); cerr != nil {
			s.logger.Warn("failed to close sink", "error", cerr)
		}
		return nil, fmt.Errorf("failed to prepare recreated indices: %w", err)
	}

	s.logger.Info("executing single server reindex", "job_id", jc.ID, "entities", len(cfg.Entities))
	return s.pipeline.Execute(ctx, cfg, jc, cfg.Entities, sink, s.recreate, rc)
}

func (s *Single) Stats() *reindex.Stats {
	return s.pipeline.Stats()
}

func (s *Single) Stop() {
	s.pipeline.Stop()
}

func (s *Single) IsStopped() bool {
	return s.pipeline.IsStopped()
}
