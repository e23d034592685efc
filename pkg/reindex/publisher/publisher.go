// Package publisher pushes reindexing run status updates to Kafka/Redpanda.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

// DefaultTopic is the topic status events go to when none is configured.
const DefaultTopic = "reindex.status"

// StatusEvent is one run status update.
type StatusEvent struct {
	RunID          string                 `json:"runId"`
	JobName        string                 `json:"jobName"`
	Status         string                 `json:"status"`
	StartedAt      time.Time              `json:"startedAt"`
	EndedAt        *time.Time             `json:"endedAt,omitempty"`
	Stats          *reindex.Stats         `json:"stats,omitempty"`
	SuccessContext map[string]interface{} `json:"successContext,omitempty"`
	FailureMessage string                 `json:"failureMessage,omitempty"`
	FailureCount   int64                  `json:"failureCount"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Publisher delivers status events.
type Publisher interface {
	Publish(ctx context.Context, event StatusEvent) error
	Close()
}

// producer is the part of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config holds configuration for the Kafka publisher.
type Config struct {
	Brokers []string
	Topic   string
	Logger  hclog.Logger
}

// Kafka publishes status events keyed by run id, so every update of one run
// lands on the same partition in order.
type Kafka struct {
	client producer
	topic  string
	logger hclog.Logger
}

// NewKafka creates a Kafka publisher.
func NewKafka(cfg Config) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			return min(time.Duration(tries)*100*time.Millisecond, 5*time.Second)
		}),
		kgo.RequestRetries(5),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafka(client, cfg), nil
}

func newKafka(client producer, cfg Config) *Kafka {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Kafka{
		client: client,
		topic:  cfg.Topic,
		logger: cfg.Logger.Named("status-publisher"),
	}
}

// Publish sends event and waits for the broker to acknowledge it.
func (k *Kafka) Publish(ctx context.Context, event StatusEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.RunID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "job_name", Value: []byte(event.JobName)},
			{Key: "status", Value: []byte(event.Status)},
		},
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to kafka: %w", err)
	}

	k.logger.Debug("published status event",
		"run_id", event.RunID,
		"status", event.Status,
		"topic", k.topic,
	)
	return nil
}

// Close flushes and closes the client.
func (k *Kafka) Close() {
	k.client.Close()
}

// Topic returns the topic events are published to.
func (k *Kafka) Topic() string {
	return k.topic
}

var _ Publisher = (*Kafka)(nil)
