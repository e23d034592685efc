package recreate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp-forge/reindexer/pkg/search"
)

// DefaultGracePeriod is how old a staged index must be before it counts as
// orphaned.
const DefaultGracePeriod = time.Hour

// aliasResolver is implemented by backends whose promotion keeps the staged
// index alive behind an alias.
type aliasResolver interface {
	Target(alias string) (string, bool)
}

// OrphanCleaner deletes staged indices left behind by runs that never
// finalized them.
type OrphanCleaner struct {
	backend search.Backend
	prefix  string
	grace   time.Duration
	now     func() time.Time
	logger  hclog.Logger
}

// CleanerConfig configures an OrphanCleaner.
type CleanerConfig struct {
	Backend     search.Backend
	IndexPrefix string
	GracePeriod time.Duration
	Logger      hclog.Logger
	Now         func() time.Time
}

// NewOrphanCleaner creates an OrphanCleaner.
func NewOrphanCleaner(cfg CleanerConfig) (*OrphanCleaner, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("search backend is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OrphanCleaner{
		backend: cfg.Backend,
		prefix:  cfg.IndexPrefix,
		grace:   cfg.GracePeriod,
		now:     cfg.Now,
		logger:  cfg.Logger.Named("orphans"),
	}, nil
}

// CleanupOrphans deletes staged indices older than the grace period that no
// canonical name serves. It keeps going past individual failures and
// returns how many indices it removed.
func (c *OrphanCleaner) CleanupOrphans(ctx context.Context) (int, error) {
	names, err := c.backend.ListIndices(ctx, c.prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list indices: %w", err)
	}

	resolver, _ := c.backend.(aliasResolver)
	cutoff := c.now().Add(-c.grace)

	var (
		result  *multierror.Error
		removed int
	)
	for _, name := range names {
		if !strings.Contains(name, RebuildMarker) {
			continue
		}
		canonical, stagedAt, ok := ParseStagedName(name)
		if !ok || stagedAt.After(cutoff) {
			continue
		}
		if resolver != nil {
			if live, ok := resolver.Target(canonical); ok && live == name {
				continue
			}
		}

		if err := c.backend.DeleteIndex(ctx, name); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete orphaned index %s: %w", name, err))
			continue
		}
		removed++
		c.logger.Info("deleted orphaned index", "index", name, "staged_at", stagedAt)
	}
	return removed, result.ErrorOrNil()
}
