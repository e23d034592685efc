// Package recreate stages rebuilt indices next to the live ones and swaps
// them in when a run succeeds.
package recreate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
	"github.com/hashicorp-forge/reindexer/pkg/search"
)

// RebuildMarker separates a canonical index name from the staging timestamp.
const RebuildMarker = "_rebuild_"

// StagedName returns the staged index name for canonical at t.
func StagedName(canonical string, t time.Time) string {
	return canonical + RebuildMarker + strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseStagedName splits a staged index name into its canonical name and
// staging time.
func ParseStagedName(name string) (canonical string, stagedAt time.Time, ok bool) {
	i := strings.LastIndex(name, RebuildMarker)
	if i <= 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(name[i+len(RebuildMarker):], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:i], time.UnixMilli(ms), true
}

// Config configures a Handler.
type Config struct {
	Backend     search.Backend
	IndexPrefix string
	Observer    reindex.Observer
	Logger      hclog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Handler implements reindex.RecreateHandler on a search.Backend.
type Handler struct {
	backend  search.Backend
	prefix   string
	observer reindex.Observer
	logger   hclog.Logger
	now      func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("search backend is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		backend:  cfg.Backend,
		prefix:   cfg.IndexPrefix,
		observer: reindex.ObserverOrNop(cfg.Observer),
		logger:   cfg.Logger.Named("recreate"),
		now:      cfg.Now,
	}, nil
}

// Prepare creates one staged index per entity type. If any creation fails,
// the indices created so far are deleted again.
func (h *Handler) Prepare(ctx context.Context, entityTypes []string) (*reindex.RecreateContext, error) {
	rc := reindex.NewRecreateContext()
	stamp := h.now()

	var created []string
	for _, et := range entityTypes {
		canonical := entities.IndexName(h.prefix, et)
		staged := StagedName(canonical, stamp)
		if err := h.backend.CreateIndex(ctx, staged); err != nil {
			var result *multierror.Error
			result = multierror.Append(result, fmt.Errorf("failed to create staged index %s: %w", staged, err))
			for _, name := range created {
				if derr := h.backend.DeleteIndex(ctx, name); derr != nil {
					result = multierror.Append(result, fmt.Errorf("failed to remove staged index %s: %w", name, derr))
				}
			}
			return nil, result.ErrorOrNil()
		}
		created = append(created, staged)
		rc.Add(reindex.IndexTarget{EntityType: et, Canonical: canonical, Staged: staged})
		h.logger.Debug("created staged index", "entity_type", et, "index", staged)
	}

	h.logger.Info("prepared staged indices", "count", len(created))
	return rc, nil
}

// Finalize promotes the staged index when success is true and deletes it
// otherwise.
func (h *Handler) Finalize(ctx context.Context, target reindex.IndexTarget, success bool) error {
	if target.Staged == "" {
		return nil
	}

	if !success {
		err := h.backend.DeleteIndex(ctx, target.Staged)
		if err != nil && !errors.Is(err, search.ErrNotFound) {
			return fmt.Errorf("failed to delete staged index %s: %w", target.Staged, err)
		}
		h.logger.Info("discarded staged index", "entity_type", target.EntityType, "index", target.Staged)
		return nil
	}

	err := h.backend.PromoteIndex(ctx, target.Staged, target.Canonical)
	h.observer.PromotionResult(target.EntityType, err == nil)
	if err != nil {
		return fmt.Errorf("failed to promote %s to %s: %w", target.Staged, target.Canonical, err)
	}
	h.logger.Info("promoted staged index",
		"entity_type", target.EntityType,
		"index", target.Staged,
		"canonical", target.Canonical,
	)
	return nil
}

var _ reindex.RecreateHandler = (*Handler)(nil)
