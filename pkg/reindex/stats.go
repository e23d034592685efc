package reindex

import "sort"

// StepStats holds the counters for one stage or one entity type.
type StepStats struct {
	Total    int64 `json:"totalRecords"`
	Success  int64 `json:"successRecords"`
	Failed   int64 `json:"failedRecords"`
	Warnings int64 `json:"warningRecords,omitempty"`
}

// Add accumulates other into s.
func (s *StepStats) Add(other StepStats) {
	s.Total += other.Total
	s.Success += other.Success
	s.Failed += other.Failed
	s.Warnings += other.Warnings
}

// Processed is the number of records with a known outcome.
func (s StepStats) Processed() int64 {
	return s.Success + s.Failed
}

// Stats is the tree of counters for one run.
type Stats struct {
	Job      StepStats            `json:"jobStats"`
	Reader   StepStats            `json:"readerStats"`
	Process  StepStats            `json:"processStats"`
	Sink     StepStats            `json:"sinkStats"`
	Vector   StepStats            `json:"vectorStats"`
	Entities map[string]StepStats `json:"entityStats"`
}

// NewStats returns zeroed stats with an entry for each entity type.
func NewStats(entityTypes []string) *Stats {
	s := &Stats{Entities: make(map[string]StepStats, len(entityTypes))}
	for _, et := range entityTypes {
		s.Entities[et] = StepStats{}
	}
	return s
}

// Clone returns a deep copy.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return nil
	}
	out := *s
	out.Entities = make(map[string]StepStats, len(s.Entities))
	for k, v := range s.Entities {
		out.Entities[k] = v
	}
	return &out
}

// EntityTypes returns the entity types present in the stats, sorted.
func (s *Stats) EntityTypes() []string {
	out := make([]string, 0, len(s.Entities))
	for k := range s.Entities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reconcile restores the cross-stage invariants after a mutation: per-entity
// success+failed never exceeds that entity's total, job success and failed
// equal the per-entity sums, and job success+failed never exceeds job total.
func (s *Stats) Reconcile() {
	if s == nil {
		return
	}
	if len(s.Entities) > 0 {
		var sum StepStats
		for k, es := range s.Entities {
			if es.Processed() > es.Total {
				es.Total = es.Processed()
				s.Entities[k] = es
			}
			sum.Add(es)
		}
		s.Job.Success = sum.Success
		s.Job.Failed = sum.Failed
		s.Job.Total = max(s.Job.Total, sum.Total)
	}
	if s.Job.Processed() > s.Job.Total {
		s.Job.Total = s.Job.Processed()
	}
}
