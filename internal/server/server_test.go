package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/pkg/models"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/orchestrator"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/publisher"
	"github.com/hashicorp-forge/reindexer/pkg/search/adapters/bleve"
)

type recordingPublisher struct {
	events []publisher.StatusEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event publisher.StatusEvent) error {
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewConfig("")
	require.NoError(t, err)
	cfg.JobName = "TestReindex"
	cfg.Distributed.PollInterval = "20ms"
	cfg.Distributed.PartitionSize = 10
	return cfg
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	backend, err := bleve.NewAdapter(&bleve.Config{Logger: hclog.NewNullLogger()})
	require.NoError(t, err)

	opts = append([]Option{WithDB(db), WithBackend(backend)}, opts...)
	s, err := New(context.Background(), testConfig(t), hclog.NewNullLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, db *gorm.DB, entityType string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, (&models.EntityRecord{
			ID:         fmt.Sprintf("%s-%03d", entityType, i),
			EntityType: entityType,
			Payload:    fmt.Sprintf(`{"name":"%s %d"}`, entityType, i),
			Timestamp:  time.Now(),
		}).Create(db))
	}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestSingleServerRun(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestServer(t, WithPublisher(pub))
	seed(t, s.DB, "table", 25)
	seed(t, s.DB, "user", 5)

	o, err := s.Orchestrator()
	require.NoError(t, err)

	rec := o.Run(context.Background(), reindex.JobParameters{
		Entities:      []string{"table", "user"},
		BatchSize:     10,
		RecreateIndex: true,
	})
	require.Equal(t, orchestrator.RunCompleted, rec.Status, rec.FailureMessage)
	assert.Equal(t, int64(30), rec.Stats.Job.Success)
	assert.Equal(t, "TestReindex", rec.JobName)

	ctx := context.Background()
	count, err := s.Backend.(*bleve.Adapter).DocCount(ctx, "table_search_index")
	require.NoError(t, err)
	assert.Equal(t, uint64(25), count)

	stored, err := s.Store.LoadRun(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompleted, stored.Status)

	require.NotEmpty(t, pub.events)
	assert.Equal(t, string(orchestrator.RunCompleted), pub.events[len(pub.events)-1].Status)

	n, err := testutil.GatherAndCount(s.Registry, "reindex_jobs_finished_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDistributedRun(t *testing.T) {
	s := newTestServer(t)
	seed(t, s.DB, "table", 32)

	o, err := s.Orchestrator()
	require.NoError(t, err)

	rec := o.Run(context.Background(), reindex.JobParameters{
		Entities:       []string{"table"},
		BatchSize:      5,
		RecreateIndex:  true,
		UseDistributed: true,
	})
	require.Equal(t, orchestrator.RunCompleted, rec.Status, rec.FailureMessage)
	assert.Equal(t, int64(32), rec.Stats.Job.Success)

	count, err := s.Backend.(*bleve.Adapter).DocCount(context.Background(), "table_search_index")
	require.NoError(t, err)
	assert.Equal(t, uint64(32), count)
}

func TestMetricsHandler(t *testing.T) {
	s := newTestServer(t)
	s.Metrics.BackpressureEvent()

	rr := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "reindex_backpressure_events_total 1")
	assert.Contains(t, rr.Body.String(), `go_sql_max_open_connections{db_name="sqlite"} 1`)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(&config.Search{Provider: config.SearchProviderBleve}, hclog.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, "bleve", b.Name())
	require.NoError(t, b.Close())

	_, err = NewBackend(&config.Search{Provider: "solr"}, hclog.NewNullLogger())
	assert.Error(t, err)
}

func TestCapAt(t *testing.T) {
	assert.Equal(t, 100, capAt(100, 0))
	assert.Equal(t, 4, capAt(100, 4))
	assert.Equal(t, 4, capAt(0, 4))
	assert.Equal(t, 2, capAt(2, 4))
}
