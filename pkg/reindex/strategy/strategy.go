// Package strategy selects how a reindexing run is executed: in-process
// through one pipeline, or spread across servers by a DistributedExecutor.
package strategy

import (
	"context"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

// Strategy executes one reindexing run.
type Strategy interface {
	AddListener(l reindex.ProgressListener)
	Execute(ctx context.Context, cfg reindex.Configuration, jc reindex.JobContext) (*reindex.ExecutionResult, error)
	Stats() *reindex.Stats
	Stop()
	IsStopped() bool
}

// SinkFactory builds the sink a run writes to.
type SinkFactory func(cfg reindex.Configuration) (reindex.Sink, error)

// prepareRecreate stages fresh indices when the run asks for it.
func prepareRecreate(ctx context.Context, cfg reindex.Configuration, handler reindex.RecreateHandler) (*reindex.RecreateContext, error) {
	if !cfg.Recreate || handler == nil {
		return nil, nil
	}
	return handler.Prepare(ctx, cfg.Entities)
}
