package recreate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/search"
	"github.com/hashicorp-forge/reindexer/pkg/search/adapters/bleve"
)

func newBackend(t *testing.T) *bleve.Adapter {
	t.Helper()
	a, err := bleve.NewAdapter(&bleve.Config{Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

type failingCreate struct {
	search.Backend
	failOn string
}

func (f *failingCreate) CreateIndex(ctx context.Context, name string) error {
	if name == f.failOn {
		return errors.New("disk full")
	}
	return f.Backend.CreateIndex(ctx, name)
}

type promotions struct {
	reindex.NopObserver
	results map[string]bool
}

func (p *promotions) PromotionResult(entityType string, ok bool) {
	p.results[entityType] = ok
}

var fixed = time.UnixMilli(1700000000000)

func TestStagedNames(t *testing.T) {
	name := StagedName("table_search_index", fixed)
	assert.Equal(t, "table_search_index_rebuild_1700000000000", name)

	canonical, at, ok := ParseStagedName(name)
	require.True(t, ok)
	assert.Equal(t, "table_search_index", canonical)
	assert.True(t, at.Equal(fixed))

	_, _, ok = ParseStagedName("table_search_index")
	assert.False(t, ok)
	_, _, ok = ParseStagedName("table_search_index_rebuild_abc")
	assert.False(t, ok)
}

func TestPrepareAndPromote(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	obs := &promotions{results: map[string]bool{}}
	h, err := NewHandler(Config{Backend: backend, Observer: obs, Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	rc, err := h.Prepare(ctx, []string{"table", "glossaryTerm"})
	require.NoError(t, err)
	assert.Equal(t, []string{"glossaryTerm", "table"}, rc.EntityTypes())

	target, ok := rc.Target("table")
	require.True(t, ok)
	assert.Equal(t, "table_search_index", target.Canonical)
	assert.Equal(t, "table_search_index_rebuild_1700000000000", target.Staged)

	_, err = backend.IndexDocuments(ctx, target.Staged, []search.Document{{ID: "t1", Fields: map[string]interface{}{"name": "orders"}}})
	require.NoError(t, err)
	require.NoError(t, h.Finalize(ctx, target, true))
	assert.Equal(t, map[string]bool{"table": true}, obs.results)

	count, err := backend.DocCount(ctx, "table_search_index")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	glossary, _ := rc.Target("glossaryTerm")
	require.NoError(t, h.Finalize(ctx, glossary, false))
	exists, err := backend.IndexExists(ctx, glossary.Staged)
	require.NoError(t, err)
	assert.False(t, exists)

	// Discarding twice is harmless.
	require.NoError(t, h.Finalize(ctx, glossary, false))
}

func TestPromoteFailureIsReported(t *testing.T) {
	backend := newBackend(t)
	obs := &promotions{results: map[string]bool{}}
	h, err := NewHandler(Config{Backend: backend, Observer: obs})
	require.NoError(t, err)

	err = h.Finalize(context.Background(), reindex.IndexTarget{EntityType: "user", Canonical: "user_search_index", Staged: "missing"}, true)
	assert.True(t, errors.Is(err, search.ErrNotFound))
	assert.Equal(t, map[string]bool{"user": false}, obs.results)
}

func TestPrepareRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	failing := &failingCreate{Backend: backend, failOn: StagedName("user_search_index", fixed)}
	h, err := NewHandler(Config{Backend: failing, Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	_, err = h.Prepare(ctx, []string{"table", "user"})
	require.Error(t, err)

	names, err := backend.ListIndices(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCleanupOrphans(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t)
	now := fixed.Add(3 * time.Hour)

	old := StagedName("table_search_index", fixed)
	live := StagedName("user_search_index", fixed)
	recent := StagedName("table_search_index", now.Add(-time.Minute))
	for _, name := range []string{old, live, recent, "dashboard_search_index"} {
		require.NoError(t, backend.CreateIndex(ctx, name))
	}
	require.NoError(t, backend.PromoteIndex(ctx, live, "user_search_index"))

	cleaner, err := NewOrphanCleaner(CleanerConfig{Backend: backend, Now: func() time.Time { return now }})
	require.NoError(t, err)

	removed, err := cleaner.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	names, err := backend.ListIndices(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{live, recent, "dashboard_search_index"}, names)
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
	_, err = NewOrphanCleaner(CleanerConfig{})
	assert.Error(t, err)
}
