// Package mock provides in-memory reindex collaborators for tests and dry
// runs.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
)

// Source is an in-memory reindex.Source. Records are kept sorted by ID.
type Source struct {
	mu          sync.Mutex
	records     map[string][]reindex.Record
	readErrs    map[string][]error
	countErrs   map[string]error
	boundaryErr error
	shortfall   int
	delay       time.Duration

	reads atomic.Int64
}

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{
		records:   make(map[string][]reindex.Record),
		readErrs:  make(map[string][]error),
		countErrs: make(map[string]error),
	}
}

// Add generates n records for entityType with sequential IDs and timestamps.
func (s *Source) Add(entityType string, n int) *Source {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]reindex.Record, n)
	for i := range recs {
		recs[i] = reindex.Record{
			ID:         fmt.Sprintf("%s-%06d", entityType, i),
			EntityType: entityType,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Fields:     map[string]interface{}{"name": fmt.Sprintf("%s %d", entityType, i)},
		}
	}
	return s.AddRecords(entityType, recs...)
}

// AddRecords adds records for entityType.
func (s *Source) AddRecords(entityType string, recs ...reindex.Record) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(s.records[entityType], recs...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	s.records[entityType] = all
	return s
}

// FailReads queues errors returned by the next ReadPage calls for entityType.
func (s *Source) FailReads(entityType string, errs ...error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs[entityType] = append(s.readErrs[entityType], errs...)
	return s
}

// FailCount makes Count fail for entityType.
func (s *Source) FailCount(entityType string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countErrs[entityType] = err
	return s
}

// FailBoundaries makes FindBoundaries fail.
func (s *Source) FailBoundaries(err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundaryErr = err
	return s
}

// ShortBoundaries makes FindBoundaries return n fewer cursors than asked for.
func (s *Source) ShortBoundaries(n int) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortfall = n
	return s
}

// SlowReads delays every ReadPage call.
func (s *Source) SlowReads(d time.Duration) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
	return s
}

// Reads returns the number of ReadPage calls.
func (s *Source) Reads() int64 {
	return s.reads.Load()
}

func (s *Source) filtered(entityType string, window *reindex.TimeWindow) []reindex.Record {
	recs := s.records[entityType]
	if window == nil {
		return recs
	}
	out := make([]reindex.Record, 0, len(recs))
	for _, r := range recs {
		if window.Contains(r.Timestamp) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Source) Count(ctx context.Context, entityType string, window *reindex.TimeWindow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.countErrs[entityType]; err != nil {
		return 0, err
	}
	return int64(len(s.filtered(entityType, window))), nil
}

func (s *Source) ReadPage(ctx context.Context, entityType, cursor string, limit int, window *reindex.TimeWindow) (*reindex.Page, error) {
	s.reads.Add(1)

	s.mu.Lock()
	delay := s.delay
	if errs := s.readErrs[entityType]; len(errs) > 0 {
		err := errs[0]
		s.readErrs[entityType] = errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	recs := s.filtered(entityType, window)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	page := &reindex.Page{Kind: entities.KindOf(entityType)}

	var start int
	if page.Kind == reindex.KindTimeSeries {
		off, err := entities.DecodeOffset(cursor)
		if err != nil {
			return nil, err
		}
		start = int(off)
	} else {
		key, err := entities.DecodeKey(cursor)
		if err != nil {
			return nil, err
		}
		start = sort.Search(len(recs), func(i int) bool { return key == "" || recs[i].ID > key })
	}
	if start >= len(recs) {
		return page, nil
	}

	end := min(start+limit, len(recs))
	page.Records = append(page.Records, recs[start:end]...)
	if end < len(recs) {
		if page.Kind == reindex.KindTimeSeries {
			page.After = entities.EncodeOffset(int64(end))
		} else {
			page.After = entities.EncodeKey(recs[end-1].ID)
		}
	}
	return page, nil
}

func (s *Source) FindBoundaries(ctx context.Context, entityType string, readers int, total int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundaryErr != nil {
		return nil, s.boundaryErr
	}
	recs := s.records[entityType]
	if readers <= 0 || len(recs) == 0 {
		return nil, nil
	}
	per := (len(recs) + readers - 1) / readers
	out := []string{""}
	for i := 1; i < readers && i*per < len(recs); i++ {
		out = append(out, entities.EncodeKey(recs[i*per-1].ID))
	}
	if s.shortfall > 0 {
		out = out[:max(len(out)-s.shortfall, 0)]
	}
	return out, nil
}
