package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// createKafkaTopic creates a Kafka topic for testing
func createKafkaTopic(t *testing.T, ctx context.Context, brokers string, topicName string) {
	adminClient, err := kgo.NewClient(kgo.SeedBrokers(brokers))
	require.NoError(t, err)
	defer adminClient.Close()

	req := kmsg.NewCreateTopicsRequest()
	req.Topics = []kmsg.CreateTopicsRequestTopic{
		{
			Topic:             topicName,
			NumPartitions:     1,
			ReplicationFactor: 1,
		},
	}
	_, err = adminClient.Request(ctx, &req)
	require.NoError(t, err)
}

func TestKafka_PublishToRedpanda(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:latest")
	require.NoError(t, err)
	defer func() {
		_ = container.Terminate(context.Background())
	}()

	brokers, err := container.KafkaSeedBroker(ctx)
	require.NoError(t, err)
	createKafkaTopic(t, ctx, brokers, DefaultTopic)

	p, err := NewKafka(Config{Brokers: []string{brokers}, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(ctx, StatusEvent{RunID: "run-42", Status: "RUNNING"}))
	require.NoError(t, p.Publish(ctx, StatusEvent{RunID: "run-42", Status: "COMPLETED"}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers),
		kgo.ConsumeTopics(DefaultTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var statuses []string
	for len(statuses) < 2 && ctx.Err() == nil {
		fetches := consumer.PollFetches(ctx)
		require.Empty(t, fetches.Errors())
		fetches.EachRecord(func(r *kgo.Record) {
			var ev StatusEvent
			require.NoError(t, json.Unmarshal(r.Value, &ev))
			assert.Equal(t, "run-42", string(r.Key))
			statuses = append(statuses, ev.Status)
		})
	}
	assert.Equal(t, []string{"RUNNING", "COMPLETED"}, statuses)
}
