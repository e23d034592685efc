// Package config loads the reindexer's HCL configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	SearchProviderBleve   = "bleve"
	SearchProviderAlgolia = "algolia"

	DefaultLogLevel       = "info"
	DefaultMetricsAddress = ":9102"
)

// Config is the top-level reindexer configuration.
type Config struct {
	// JobName names the run records written to the database.
	JobName string `hcl:"job_name,optional"`

	// LogLevel is one of trace, debug, info, warn or error.
	LogLevel string `hcl:"log_level,optional"`

	Reindex     *Reindex     `hcl:"reindex,block"`
	Database    *Database    `hcl:"database,block"`
	Search      *Search      `hcl:"search,block"`
	Kafka       *Kafka       `hcl:"kafka,block"`
	Embeddings  *Embeddings  `hcl:"embeddings,block"`
	Metrics     *Metrics     `hcl:"metrics,block"`
	Distributed *Distributed `hcl:"distributed,block"`
}

// Reindex holds run defaults. Job parameters override them.
type Reindex struct {
	// JobFile is a YAML file of job parameters.
	JobFile string `hcl:"job_file,optional"`

	MaxReaders       int    `hcl:"max_readers,optional"`
	MaxRetries       int    `hcl:"max_retries,optional"`
	ProgressInterval string `hcl:"progress_interval,optional"`

	BreakerThreshold     int    `hcl:"breaker_threshold,optional"`
	BreakerWindow        string `hcl:"breaker_window,optional"`
	BreakerProbeInterval string `hcl:"breaker_probe_interval,optional"`

	// OrphanGracePeriod is how old a staged index must be before cleanup
	// deletes it.
	OrphanGracePeriod string `hcl:"orphan_grace_period,optional"`
}

// Database configures the system-of-record connection.
type Database struct {
	Driver   string `hcl:"driver,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	DBName   string `hcl:"dbname,optional"`
	SSLMode  string `hcl:"sslmode,optional"`

	// Path is the sqlite database file.
	Path string `hcl:"path,optional"`
}

// Search configures the search backend.
type Search struct {
	Provider              string   `hcl:"provider,optional"`
	IndexPrefix           string   `hcl:"index_prefix,optional"`
	MaxConcurrentRequests int      `hcl:"max_concurrent_requests,optional"`
	MaxPayloadBytes       int      `hcl:"max_payload_bytes,optional"`
	Bleve                 *Bleve   `hcl:"bleve,block"`
	Algolia               *Algolia `hcl:"algolia,block"`
}

// Bleve configures the bleve backend. An empty IndexPath keeps indices in
// memory.
type Bleve struct {
	IndexPath string `hcl:"index_path,optional"`
}

// Algolia configures the algolia backend.
type Algolia struct {
	AppID                string   `hcl:"app_id"`
	WriteAPIKey          string   `hcl:"write_api_key"`
	SearchableAttributes []string `hcl:"searchable_attributes,optional"`
	WaitForTasks         bool     `hcl:"wait_for_tasks,optional"`
}

// Kafka configures status event publishing.
type Kafka struct {
	Brokers     []string `hcl:"brokers,optional"`
	StatusTopic string   `hcl:"status_topic,optional"`
}

// Embeddings configures the vector stage of the sink.
type Embeddings struct {
	Enabled    bool     `hcl:"enabled,optional"`
	Region     string   `hcl:"region,optional"`
	Model      string   `hcl:"model,optional"`
	Dimensions int      `hcl:"dimensions,optional"`
	Fields     []string `hcl:"fields,optional"`
	AccessKey  string   `hcl:"access_key,optional"`
	SecretKey  string   `hcl:"secret_key,optional"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Address string `hcl:"address,optional"`
}

// Distributed configures the database-backed distributed executor.
type Distributed struct {
	Workers                int    `hcl:"workers,optional"`
	PartitionSize          int64  `hcl:"partition_size,optional"`
	MaxPartitionsPerEntity int    `hcl:"max_partitions_per_entity,optional"`
	ClaimTimeout           string `hcl:"claim_timeout,optional"`
	PollInterval           string `hcl:"poll_interval,optional"`
	ServerID               string `hcl:"server_id,optional"`
}

// NewConfig parses an HCL configuration file. An empty path returns the
// defaults.
func NewConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Reindex == nil {
		c.Reindex = &Reindex{}
	}
	if c.Database == nil {
		c.Database = &Database{Driver: "sqlite", Path: "reindexer.db"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Search == nil {
		c.Search = &Search{}
	}
	if c.Search.Provider == "" {
		c.Search.Provider = SearchProviderBleve
	}
	if c.Kafka == nil {
		c.Kafka = &Kafka{}
	}
	if c.Embeddings == nil {
		c.Embeddings = &Embeddings{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Distributed == nil {
		c.Distributed = &Distributed{}
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
	)
	if err != nil {
		return err
	}

	err = validation.ValidateStruct(c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In("postgres", "sqlite")),
		validation.Field(&c.Database.Host, validation.When(c.Database.Driver == "postgres", validation.Required)),
		validation.Field(&c.Database.DBName, validation.When(c.Database.Driver == "postgres", validation.Required)),
		validation.Field(&c.Database.Path, validation.When(c.Database.Driver == "sqlite", validation.Required)),
	)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	err = validation.ValidateStruct(c.Search,
		validation.Field(&c.Search.Provider, validation.In(SearchProviderBleve, SearchProviderAlgolia)),
		validation.Field(&c.Search.Algolia, validation.When(c.Search.Provider == SearchProviderAlgolia, validation.Required)),
		validation.Field(&c.Search.MaxConcurrentRequests, validation.Min(0)),
		validation.Field(&c.Search.MaxPayloadBytes, validation.Min(0)),
	)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	err = validation.ValidateStruct(c.Distributed,
		validation.Field(&c.Distributed.Workers, validation.Min(0)),
		validation.Field(&c.Distributed.PartitionSize, validation.Min(int64(0))),
	)
	if err != nil {
		return fmt.Errorf("distributed: %w", err)
	}

	for name, d := range map[string]string{
		"reindex.progress_interval":      c.Reindex.ProgressInterval,
		"reindex.breaker_window":         c.Reindex.BreakerWindow,
		"reindex.breaker_probe_interval": c.Reindex.BreakerProbeInterval,
		"reindex.orphan_grace_period":    c.Reindex.OrphanGracePeriod,
		"distributed.claim_timeout":      c.Distributed.ClaimTimeout,
		"distributed.poll_interval":      c.Distributed.PollInterval,
	} {
		if _, err := ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses a duration string. An empty string is zero, which
// callers treat as "use the default".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Duration parses a duration already checked by Validate.
func Duration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}
