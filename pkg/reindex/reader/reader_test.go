package reader

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/mock"
)

type collector struct {
	mu      sync.Mutex
	ids     []string
	pages   int
	errs    []error
	failed  int
	offsets []int64
}

func (c *collector) onBatch(ctx context.Context, entityType string, page *reindex.Page, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages++
	c.offsets = append(c.offsets, offset)
	for _, r := range page.Records {
		c.ids = append(c.ids, r.ID)
	}
	return nil
}

func (c *collector) onError(entityType string, err error, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
	c.failed += failed
}

func (c *collector) sortedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.ids...)
	sort.Strings(out)
	return out
}

func newTestReader(t *testing.T, src reindex.Source) *Reader {
	t.Helper()
	r, err := New(Config{
		Source:    src,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Logger:    hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	return r
}

func TestReaderCount(t *testing.T) {
	assert.Equal(t, 5, ReaderCount(10000, 1000, DefaultMaxReaders))
	assert.Equal(t, 3, ReaderCount(25, 10, DefaultMaxReaders))
	assert.Equal(t, 1, ReaderCount(1, 10, DefaultMaxReaders))
	assert.Equal(t, 0, ReaderCount(0, 10, DefaultMaxReaders))
}

func TestReadEntityCoversEveryRecordOnce(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		total      int
		batch      int
		readers    int
	}{
		{"keyset parallel", "table", 103, 10, 5},
		{"keyset single", "user", 7, 10, 1},
		{"time series parallel", "testCaseResult", 57, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := mock.NewSource().Add(tt.entityType, tt.total)
			r := newTestReader(t, src)
			tracker := NewTracker(1)
			c := &collector{}

			started, err := r.ReadEntity(context.Background(), Request{
				EntityType: tt.entityType,
				Total:      int64(tt.total),
				BatchSize:  tt.batch,
			}, tracker, c.onBatch, c.onError)
			require.NoError(t, err)
			tracker.Arrive()
			assert.Equal(t, tt.readers, started)

			require.True(t, tracker.Wait(5*time.Second))
			ids := c.sortedIDs()
			require.Len(t, ids, tt.total)
			for i := 1; i < len(ids); i++ {
				assert.NotEqual(t, ids[i-1], ids[i], "record read twice")
			}
			assert.Empty(t, c.errs)
		})
	}
}

func TestReadEntityCorrectsTrackerForMissingBoundaries(t *testing.T) {
	src := mock.NewSource().Add("table", 50).ShortBoundaries(2)
	r := newTestReader(t, src)
	tracker := NewTracker(1)
	c := &collector{}

	started, err := r.ReadEntity(context.Background(), Request{EntityType: "table", Total: 50, BatchSize: 10}, tracker, c.onBatch, c.onError)
	require.NoError(t, err)
	tracker.Arrive()
	assert.Equal(t, 3, started)

	assert.True(t, tracker.Wait(5*time.Second), "tracker must not wait for readers that never started")
}

func TestReadEntityBoundaryFailureReleasesTracker(t *testing.T) {
	src := mock.NewSource().Add("table", 50).FailBoundaries(errors.New("boom"))
	r := newTestReader(t, src)
	tracker := NewTracker(1)

	started, err := r.ReadEntity(context.Background(), Request{EntityType: "table", Total: 50, BatchSize: 10}, tracker, (&collector{}).onBatch, nil)
	assert.Error(t, err)
	tracker.Arrive()
	assert.Equal(t, 0, started)
	assert.Equal(t, int64(0), tracker.Pending())
}

func TestReadEntityRetriesTransientFailures(t *testing.T) {
	src := mock.NewSource().Add("user", 5).FailReads("user",
		errors.New("Connection reset by peer"),
		errors.New("read TIMEOUT"),
	)
	r := newTestReader(t, src)
	tracker := NewTracker(1)
	c := &collector{}

	_, err := r.ReadEntity(context.Background(), Request{EntityType: "user", Total: 5, BatchSize: 10}, tracker, c.onBatch, c.onError)
	require.NoError(t, err)
	tracker.Arrive()
	require.True(t, tracker.Wait(5*time.Second))

	assert.Len(t, c.sortedIDs(), 5)
	assert.Empty(t, c.errs)
	assert.Equal(t, int64(3), src.Reads())
}

func TestReadEntityGivesUpAfterRetryBudget(t *testing.T) {
	transient := errors.New("connection pool exhausted")
	src := mock.NewSource().Add("user", 5).FailReads("user", transient, transient, transient, transient, transient)
	r := newTestReader(t, src)
	tracker := NewTracker(1)
	c := &collector{}

	_, err := r.ReadEntity(context.Background(), Request{EntityType: "user", Total: 5, BatchSize: 10}, tracker, c.onBatch, c.onError)
	require.NoError(t, err)
	tracker.Arrive()
	require.True(t, tracker.Wait(5*time.Second))

	require.Len(t, c.errs, 1)
	assert.ErrorIs(t, c.errs[0], transient)
	assert.Equal(t, 10, c.failed)
	assert.Equal(t, int64(1+DefaultMaxRetries), src.Reads())
}

func TestReadEntityDoesNotRetryPermanentFailures(t *testing.T) {
	permanent := errors.New("column does not exist")
	src := mock.NewSource().Add("user", 5).FailReads("user", permanent)
	r := newTestReader(t, src)
	tracker := NewTracker(1)
	c := &collector{}

	_, err := r.ReadEntity(context.Background(), Request{EntityType: "user", Total: 5, BatchSize: 10}, tracker, c.onBatch, c.onError)
	require.NoError(t, err)
	tracker.Arrive()
	require.True(t, tracker.Wait(5*time.Second))

	require.Len(t, c.errs, 1)
	assert.ErrorIs(t, c.errs[0], permanent)
	assert.Equal(t, int64(1), src.Reads())
}

func TestReadEntityStopsOnCancel(t *testing.T) {
	src := mock.NewSource().Add("table", 1000).SlowReads(20 * time.Millisecond)
	r := newTestReader(t, src)
	tracker := NewTracker(1)
	c := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := r.ReadEntity(ctx, Request{EntityType: "table", Total: 1000, BatchSize: 10}, tracker, c.onBatch, c.onError)
	require.NoError(t, err)
	tracker.Arrive()

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.True(t, tracker.Wait(2*time.Second))
	assert.Less(t, len(c.sortedIDs()), 1000)
	assert.Empty(t, c.errs, "cancellation is not reported as a read failure")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SocketTimeoutException: read timed out"), true},
		{errors.New("java.net.ConnectException"), true},
		{errors.New("Connection refused"), true},
		{errors.New("pool exhausted"), true},
		{errors.New("syntax error at or near"), false},
		{context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker(2)
	assert.False(t, tr.Wait(10*time.Millisecond))

	tr.Register(1)
	tr.Arrive()
	tr.ArriveN(1)
	assert.Equal(t, int64(1), tr.Pending())

	tr.Arrive()
	assert.True(t, tr.Wait(10*time.Millisecond))
	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel should be closed")
	}

	assert.True(t, NewTracker(0).Wait(time.Millisecond))
}
