// Package kafka resolves Redpanda/Kafka settings for status publishing.
package kafka

import (
	"os"
	"strings"

	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/publisher"
)

// GetBrokers returns the Kafka/Redpanda broker addresses.
// It checks environment variables first, then falls back to config. An
// empty result disables status publishing.
func GetBrokers(cfg *config.Config) []string {
	// Try environment variable first
	if brokers := os.Getenv("REDPANDA_BROKERS"); brokers != "" {
		return splitList(brokers)
	}

	// Fall back to config
	if cfg != nil && cfg.Kafka != nil && len(cfg.Kafka.Brokers) > 0 {
		return cfg.Kafka.Brokers
	}

	return nil
}

// GetStatusTopic returns the topic run status events are published to.
// It checks environment variables first, then falls back to config, then default.
func GetStatusTopic(cfg *config.Config) string {
	// Try environment variable first
	if topic := os.Getenv("REINDEX_STATUS_TOPIC"); topic != "" {
		return topic
	}

	// Fall back to config
	if cfg != nil && cfg.Kafka != nil && cfg.Kafka.StatusTopic != "" {
		return cfg.Kafka.StatusTopic
	}

	// Default
	return publisher.DefaultTopic
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
