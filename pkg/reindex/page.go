package reindex

import "time"

// PageKind tags the payload carried by a Page.
type PageKind int

const (
	KindEntities PageKind = iota
	KindTimeSeries
)

func (k PageKind) String() string {
	if k == KindTimeSeries {
		return "time-series"
	}
	return "entities"
}

// Record is one entity or time-series row read from the source.
type Record struct {
	ID         string
	EntityType string
	Timestamp  time.Time
	Fields     map[string]interface{}
}

// RecordError is a row the source could not turn into a Record.
type RecordError struct {
	RecordID string
	Message  string
}

// Page is one read from the source. After is the continuation cursor; an
// empty After means there is nothing more to read.
type Page struct {
	Kind     PageKind
	Records  []Record
	Errors   []RecordError
	Warnings int
	After    string
}

// Processed counts everything the page advanced over.
func (p *Page) Processed() int {
	if p == nil {
		return 0
	}
	return len(p.Records) + len(p.Errors) + p.Warnings
}

// Empty reports whether the page carries nothing at all.
func (p *Page) Empty() bool {
	return p.Processed() == 0
}

// IndexingTask is one page queued between a reader and a consumer.
type IndexingTask struct {
	EntityType string
	Page       *Page
	Offset     int
	poison     bool
}

// PoisonPill tells a consumer that no more tasks will arrive.
var PoisonPill = IndexingTask{poison: true, Offset: -1}

// IsPoison reports whether t is the poison pill.
func (t IndexingTask) IsPoison() bool {
	return t.poison
}
