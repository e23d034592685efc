package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/mock"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/pipeline"
)

type fakeExecutor struct {
	mu       sync.Mutex
	job      Job
	server   *ServerStats
	stops    int
	finish   chan struct{}
	onRun    func(opts RunOptions)
	runErr   error
	finishAs reindex.Status
}

func newFakeExecutor(total int64) *fakeExecutor {
	return &fakeExecutor{
		job:      Job{ID: "dj-1", Status: JobPending, Total: total, Entities: map[string]reindex.StepStats{}},
		finish:   make(chan struct{}),
		finishAs: reindex.StatusCompleted,
	}
}

func (f *fakeExecutor) CreateJob(ctx context.Context, jc reindex.JobContext, cfg reindex.Configuration) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.job
	return &job, nil
}

func (f *fakeExecutor) Run(ctx context.Context, jobID string, opts RunOptions) error {
	f.mu.Lock()
	f.job.Status = JobRunning
	onRun := f.onRun
	f.mu.Unlock()
	if onRun != nil {
		onRun(opts)
	}

	select {
	case <-f.finish:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job.Status == JobRunning {
		f.job.Status = f.finishAs
	}
	return f.runErr
}

func (f *fakeExecutor) Job(ctx context.Context, jobID string) (*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.job
	return &job, nil
}

func (f *fakeExecutor) AggregatedServerStats(ctx context.Context, jobID string) (*ServerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server == nil {
		return nil, errors.New("no stats")
	}
	s := *f.server
	return &s, nil
}

func (f *fakeExecutor) Stop(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stops == 1 {
		f.job.Status = reindex.StatusStopped
		close(f.finish)
	}
	return nil
}

func (f *fakeExecutor) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeHandler struct {
	mu        sync.Mutex
	finalized map[string]bool
}

func (h *fakeHandler) Prepare(ctx context.Context, entityTypes []string) (*reindex.RecreateContext, error) {
	rc := reindex.NewRecreateContext()
	for _, et := range entityTypes {
		rc.Add(reindex.IndexTarget{EntityType: et, Canonical: et, Staged: et + "_rebuild_1"})
	}
	return rc, nil
}

func (h *fakeHandler) Finalize(ctx context.Context, target reindex.IndexTarget, success bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalized == nil {
		h.finalized = make(map[string]bool)
	}
	h.finalized[target.EntityType] = success
	return nil
}

func sinkFactory(sink *mock.Sink) SinkFactory {
	return func(reindex.Configuration) (reindex.Sink, error) {
		return sink, nil
	}
}

func newTestDistributed(t *testing.T, exec DistributedExecutor, sink *mock.Sink, handler reindex.RecreateHandler) *Distributed {
	t.Helper()
	d, err := NewDistributed(DistributedConfig{
		Executor:     exec,
		NewSink:      sinkFactory(sink),
		Recreate:     handler,
		Logger:       hclog.NewNullLogger(),
		PollInterval: 10 * time.Millisecond,
		FlushTimeout: time.Second,
	})
	require.NoError(t, err)
	return d
}

func TestResolveJobCounts(t *testing.T) {
	job := &Job{Success: 30, Failed: 3}
	tests := []struct {
		name        string
		server      *ServerStats
		local       reindex.StepStats
		wantSuccess int64
		wantFailed  int64
		wantSource  string
	}{
		{
			name:        "server stats beat a stale local sink",
			server:      &ServerStats{SinkSuccess: 80, SinkFailed: 20},
			local:       reindex.StepStats{},
			wantSuccess: 80,
			wantFailed:  20,
			wantSource:  SourceServerStats,
		},
		{
			name:        "server failures include every stage",
			server:      &ServerStats{SinkSuccess: 70, SinkFailed: 5, ReaderFailed: 3, ProcessFailed: 2},
			local:       reindex.StepStats{Total: 90, Success: 90},
			wantSuccess: 70,
			wantFailed:  10,
			wantSource:  SourceServerStats,
		},
		{
			name:        "local sink when servers report no writes",
			server:      &ServerStats{ReaderSuccess: 50},
			local:       reindex.StepStats{Total: 55, Success: 50, Failed: 5},
			wantSuccess: 50,
			wantFailed:  5,
			wantSource:  SourceLocalSink,
		},
		{
			name:        "partitions as the last resort",
			wantSuccess: 30,
			wantFailed:  3,
			wantSource:  SourcePartitions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			success, failed, source := ResolveJobCounts(tt.server, tt.local, job)
			assert.Equal(t, tt.wantSuccess, success)
			assert.Equal(t, tt.wantFailed, failed)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestNewDistributedValidation(t *testing.T) {
	_, err := NewDistributed(DistributedConfig{NewSink: sinkFactory(mock.NewSink())})
	assert.Error(t, err)
	_, err = NewDistributed(DistributedConfig{Executor: newFakeExecutor(0)})
	assert.Error(t, err)
}

func TestDistributedPrefersServerStats(t *testing.T) {
	exec := newFakeExecutor(100)
	exec.server = &ServerStats{SinkSuccess: 80, SinkFailed: 20, ServerCount: 3}
	close(exec.finish)
	sink := mock.NewSink()
	d := newTestDistributed(t, exec, sink, nil)

	result, err := d.Execute(context.Background(), reindex.Configuration{Entities: []string{"table"}}, reindex.JobContext{ID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(80), result.Success)
	assert.Equal(t, int64(20), result.Failed)
	assert.Equal(t, reindex.StatusCompletedWithErrors, result.Status)
	assert.Equal(t, SourceServerStats, result.Metadata["statsSource"])
	assert.Equal(t, "dj-1", result.Metadata["distributedJobId"])
	assert.Equal(t, 3, result.Metadata["serverCount"])
	assert.Equal(t, 1, sink.Flushes())
	assert.True(t, sink.Closed())
}

func TestDistributedCompletes(t *testing.T) {
	exec := newFakeExecutor(10)
	exec.job.Success = 10
	close(exec.finish)
	d := newTestDistributed(t, exec, mock.NewSink(), nil)

	result, err := d.Execute(context.Background(), reindex.Configuration{Entities: []string{"table"}}, reindex.JobContext{ID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, reindex.StatusCompleted, result.Status)
	assert.Equal(t, SourcePartitions, result.Metadata["statsSource"])
}

func TestDistributedFailedRun(t *testing.T) {
	exec := newFakeExecutor(10)
	exec.runErr = errors.New("partition table missing")
	close(exec.finish)
	d := newTestDistributed(t, exec, mock.NewSink(), nil)

	result, err := d.Execute(context.Background(), reindex.Configuration{Entities: []string{"table"}}, reindex.JobContext{ID: "run-3"})
	require.NoError(t, err)
	assert.Equal(t, reindex.StatusFailed, result.Status)
}

func TestDistributedStopIsIdempotent(t *testing.T) {
	exec := newFakeExecutor(1000)
	sink := mock.NewSink()
	handler := &fakeHandler{}
	d := newTestDistributed(t, exec, sink, handler)

	done := make(chan *reindex.ExecutionResult, 1)
	go func() {
		result, err := d.Execute(context.Background(), reindex.Configuration{Entities: []string{"table"}, Recreate: true}, reindex.JobContext{ID: "run-4"})
		assert.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.job.Status == JobRunning
	}, 2*time.Second, 5*time.Millisecond)

	d.Stop()
	d.Stop()
	assert.True(t, d.IsStopped())

	select {
	case result := <-done:
		assert.Equal(t, reindex.StatusStopped, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("distributed strategy did not exit after stop")
	}
	assert.Equal(t, 1, exec.Stops())
	assert.True(t, sink.Closed(), "execute still closes the sink after a stop")
	assert.Equal(t, map[string]bool{"table": false}, handler.finalized)
}

func TestDistributedFinalizesOnlyUnpromotedEntities(t *testing.T) {
	exec := newFakeExecutor(20)
	exec.job.Success = 20
	exec.onRun = func(opts RunOptions) {
		opts.RecreateContext.MarkPromoted("table")
	}
	close(exec.finish)
	handler := &fakeHandler{}
	d := newTestDistributed(t, exec, mock.NewSink(), handler)

	cfg := reindex.Configuration{Entities: []string{"table", "user"}, Recreate: true}
	result, err := d.Execute(context.Background(), cfg, reindex.JobContext{ID: "run-5"})
	require.NoError(t, err)

	assert.Equal(t, reindex.StatusCompleted, result.Status)
	assert.Equal(t, map[string]bool{"user": true}, handler.finalized)
}

func TestSingleExecute(t *testing.T) {
	src := mock.NewSource().Add("table", 40).Add("user", 10)
	sink := mock.NewSink()
	handler := &fakeHandler{}
	s, err := NewSingle(SingleConfig{
		Pipeline: pipeline.Config{
			Source:      src,
			Logger:      hclog.NewNullLogger(),
			PollTimeout: 10 * time.Millisecond,
			TrackerWait: 20 * time.Millisecond,
		},
		NewSink:  sinkFactory(sink),
		Recreate: handler,
	})
	require.NoError(t, err)

	cfg := reindex.Configuration{Entities: []string{"table", "user"}, BatchSize: 10, Recreate: true}
	result, err := s.Execute(context.Background(), cfg, reindex.JobContext{ID: "run-6"})
	require.NoError(t, err)

	assert.Equal(t, reindex.StatusCompleted, result.Status)
	assert.Equal(t, int64(50), s.Stats().Job.Success)
	assert.Equal(t, map[string]bool{"table": true, "user": true}, handler.finalized)
	assert.False(t, s.IsStopped())
	for _, bc := range sink.Contexts() {
		assert.Equal(t, bc.EntityType+"_rebuild_1", bc.TargetIndex)
	}
}

func TestSingleRequiresSinkFactory(t *testing.T) {
	_, err := NewSingle(SingleConfig{Pipeline: pipeline.Config{Source: mock.NewSource()}})
	assert.Error(t, err)
}
