package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

// LoadJobFile reads job parameters from a YAML file. The file uses the same
// keys as a scheduler payload, e.g. "entities", "batchSize" and
// "recreateIndex".
func LoadJobFile(path string) (*reindex.JobParameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if raw == nil {
		return &reindex.JobParameters{}, nil
	}
	return reindex.DecodeJobParameters(raw)
}
