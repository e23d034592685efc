package reindex

import (
	"fmt"
	"sort"
	"time"

	"github.com/araddon/dateparse"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mitchellh/mapstructure"
)

const (
	// AllEntities is the entity token that expands to every supported type.
	AllEntities = "all"

	DefaultBatchSize             = 100
	DefaultQueueSize             = 20000
	DefaultProducerThreads       = 2
	DefaultConsumerThreads       = 2
	MaxThreads                   = 20
	DefaultPayloadSize           = 100 * 1024 * 1024
	DefaultMaxConcurrentRequests = 100
)

// TimeWindow bounds a time-series read. A zero Start or End is unbounded.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the window.
func (w TimeWindow) Contains(ts time.Time) bool {
	if !w.Start.IsZero() && ts.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && ts.After(w.End) {
		return false
	}
	return true
}

// Configuration is the resolved set of parameters for one reindexing run.
// Callers treat it as a value; Resolve returns a copy with defaults applied.
type Configuration struct {
	Entities              []string
	BatchSize             int
	ProducerThreads       int
	ConsumerThreads       int
	QueueSize             int
	Recreate              bool
	TimeWindows           map[string]TimeWindow
	PayloadSize           int64
	MaxConcurrentRequests int
	Distributed           bool
}

// Resolve applies defaults and clamps thread counts to MaxThreads.
func (c Configuration) Resolve() Configuration {
	out := c
	out.Entities = append([]string(nil), c.Entities...)
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	out.ProducerThreads = clampThreads(out.ProducerThreads, DefaultProducerThreads)
	out.ConsumerThreads = clampThreads(out.ConsumerThreads, DefaultConsumerThreads)
	if out.PayloadSize <= 0 {
		out.PayloadSize = DefaultPayloadSize
	}
	if out.MaxConcurrentRequests <= 0 {
		out.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.TimeWindows != nil {
		out.TimeWindows = make(map[string]TimeWindow, len(c.TimeWindows))
		for k, v := range c.TimeWindows {
			out.TimeWindows[k] = v
		}
	}
	return out
}

func clampThreads(n, def int) int {
	if n <= 0 {
		return def
	}
	return min(n, MaxThreads)
}

// Validate checks a resolved configuration.
func (c Configuration) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Entities, validation.Required),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.ProducerThreads, validation.Required, validation.Max(MaxThreads)),
		validation.Field(&c.ConsumerThreads, validation.Required, validation.Max(MaxThreads)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
	)
}

// WindowFor returns the time window configured for an entity type, if any.
func (c Configuration) WindowFor(entityType string) *TimeWindow {
	w, ok := c.TimeWindows[entityType]
	if !ok {
		return nil
	}
	return &w
}

// WindowParams is the raw, string form of a time window.
type WindowParams struct {
	Start string `mapstructure:"start" yaml:"start"`
	End   string `mapstructure:"end" yaml:"end"`
}

// JobParameters is the free-form job payload handed to the orchestrator by a
// scheduler or a job file.
type JobParameters struct {
	Entities              []string                `mapstructure:"entities" yaml:"entities"`
	BatchSize             int                     `mapstructure:"batchSize" yaml:"batchSize"`
	ProducerThreads       int                     `mapstructure:"producerThreads" yaml:"producerThreads"`
	ConsumerThreads       int                     `mapstructure:"consumerThreads" yaml:"consumerThreads"`
	QueueSize             int                     `mapstructure:"queueSize" yaml:"queueSize"`
	RecreateIndex         bool                    `mapstructure:"recreateIndex" yaml:"recreateIndex"`
	PayloadSize           int64                   `mapstructure:"payLoadSize" yaml:"payLoadSize"`
	MaxConcurrentRequests int                     `mapstructure:"maxConcurrentRequests" yaml:"maxConcurrentRequests"`
	UseDistributed        bool                    `mapstructure:"useDistributedIndexing" yaml:"useDistributedIndexing"`
	TimeSeriesDays        map[string]int          `mapstructure:"timeSeriesEntityDays" yaml:"timeSeriesEntityDays"`
	TimeWindows           map[string]WindowParams `mapstructure:"timeWindows" yaml:"timeWindows"`
}

// DecodeJobParameters decodes a loosely typed parameter map.
func DecodeJobParameters(raw map[string]interface{}) (*JobParameters, error) {
	var params JobParameters
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode job parameters: %w", err)
	}
	return &params, nil
}

// Configuration converts parameters into a resolved Configuration. Day
// lookbacks are measured back from now; explicit windows take precedence.
func (p JobParameters) Configuration(now time.Time) (Configuration, error) {
	windows := make(map[string]TimeWindow)

	days := make([]string, 0, len(p.TimeSeriesDays))
	for k := range p.TimeSeriesDays {
		days = append(days, k)
	}
	sort.Strings(days)
	for _, entityType := range days {
		n := p.TimeSeriesDays[entityType]
		if n <= 0 {
			continue
		}
		windows[entityType] = TimeWindow{Start: now.AddDate(0, 0, -n), End: now}
	}

	for entityType, wp := range p.TimeWindows {
		var w TimeWindow
		if wp.Start != "" {
			t, err := dateparse.ParseAny(wp.Start)
			if err != nil {
				return Configuration{}, fmt.Errorf("invalid start for %q: %w", entityType, err)
			}
			w.Start = t
		}
		if wp.End != "" {
			t, err := dateparse.ParseAny(wp.End)
			if err != nil {
				return Configuration{}, fmt.Errorf("invalid end for %q: %w", entityType, err)
			}
			w.End = t
		}
		if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
			return Configuration{}, fmt.Errorf("time window for %q ends before it starts", entityType)
		}
		windows[entityType] = w
	}

	cfg := Configuration{
		Entities:              p.Entities,
		BatchSize:             p.BatchSize,
		ProducerThreads:       p.ProducerThreads,
		ConsumerThreads:       p.ConsumerThreads,
		QueueSize:             p.QueueSize,
		Recreate:              p.RecreateIndex,
		TimeWindows:           windows,
		PayloadSize:           p.PayloadSize,
		MaxConcurrentRequests: p.MaxConcurrentRequests,
		Distributed:           p.UseDistributed,
	}
	return cfg.Resolve(), nil
}
