// Package server wires the reindexer's collaborators from configuration.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/migrate"
	"github.com/hashicorp-forge/reindexer/pkg/database"
	"github.com/hashicorp-forge/reindexer/pkg/embeddings"
	"github.com/hashicorp-forge/reindexer/pkg/kafka"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/breaker"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/distributed"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/metrics"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/orchestrator"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/pipeline"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/publisher"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/recreate"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/sink"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/source"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/store"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/strategy"
	"github.com/hashicorp-forge/reindexer/pkg/search"
	"github.com/hashicorp-forge/reindexer/pkg/search/adapters/algolia"
	"github.com/hashicorp-forge/reindexer/pkg/search/adapters/bleve"
)

// Server contains the reindexer's wired dependencies.
type Server struct {
	// Config is the loaded configuration.
	Config *config.Config

	// DB is the system-of-record database. Run records, failure records and
	// distributed partitions live in it too.
	DB *gorm.DB

	// Backend is the search backend indices are rebuilt in.
	Backend search.Backend

	// Source reads entity pages from DB.
	Source *source.DB

	// Store persists run records and pushes status updates.
	Store *store.JobStore

	// Publisher is nil when no brokers are configured.
	Publisher publisher.Publisher

	// Embedder is nil unless embeddings are enabled.
	Embedder sink.Embedder

	// Metrics observes every component. Registry holds its collectors.
	Metrics  *metrics.Collector
	Registry *prometheus.Registry

	Logger hclog.Logger
}

// Option is a functional option for creating a Server.
type Option func(*Server)

// WithDB uses db instead of connecting from configuration.
func WithDB(db *gorm.DB) Option {
	return func(s *Server) {
		s.DB = db
	}
}

// WithBackend uses backend instead of building one from configuration.
func WithBackend(backend search.Backend) Option {
	return func(s *Server) {
		s.Backend = backend
	}
}

// WithPublisher uses p instead of building one from configuration.
func WithPublisher(p publisher.Publisher) Option {
	return func(s *Server) {
		s.Publisher = p
	}
}

// WithEmbedder uses e instead of building one from configuration.
func WithEmbedder(e sink.Embedder) Option {
	return func(s *Server) {
		s.Embedder = e
	}
}

// New connects to the database, applies migrations and builds every
// collaborator named in cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Metrics = metrics.NewCollector(s.Registry)

	if err := s.init(ctx); err != nil {
		if cerr := s.Close(); cerr != nil {
			logger.Warn("failed to release resources after init error", "error", cerr)
		}
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.Config

	if s.DB == nil {
		db, err := OpenDatabase(cfg.Database, s.Logger)
		if err != nil {
			return err
		}
		s.DB = db
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := migrate.RunMigrations(sqlDB, s.DB.Dialector.Name()); err != nil {
		return fmt.Errorf("error running migrations: %w", err)
	}
	dbName := cfg.Database.DBName
	if dbName == "" {
		dbName = s.DB.Dialector.Name()
	}
	if err := s.Registry.Register(collectors.NewDBStatsCollector(sqlDB, dbName)); err != nil {
		return fmt.Errorf("error registering database metrics: %w", err)
	}

	if s.Backend == nil {
		backend, err := NewBackend(cfg.Search, s.Logger)
		if err != nil {
			return err
		}
		s.Backend = backend
	}

	if s.Publisher == nil {
		if brokers := kafka.GetBrokers(cfg); len(brokers) > 0 {
			p, err := publisher.NewKafka(publisher.Config{
				Brokers: brokers,
				Topic:   kafka.GetStatusTopic(cfg),
				Logger:  s.Logger,
			})
			if err != nil {
				return fmt.Errorf("error creating status publisher: %w", err)
			}
			s.Publisher = p
		}
	}

	if s.Embedder == nil && cfg.Embeddings.Enabled {
		titan, err := embeddings.NewTitan(ctx, embeddings.Config{
			Region:     cfg.Embeddings.Region,
			Model:      cfg.Embeddings.Model,
			Dimensions: cfg.Embeddings.Dimensions,
			Normalize:  true,
			AccessKey:  cfg.Embeddings.AccessKey,
			SecretKey:  cfg.Embeddings.SecretKey,
			Logger:     s.Logger,
		})
		if err != nil {
			return fmt.Errorf("error creating embeddings client: %w", err)
		}
		s.Embedder = titan
	}

	s.Source, err = source.New(s.DB, source.WithLogger(s.Logger))
	if err != nil {
		return err
	}

	storeOpts := []store.Option{store.WithLogger(s.Logger)}
	if d := config.Duration(cfg.Reindex.ProgressInterval); d > 0 {
		storeOpts = append(storeOpts, store.WithProgressInterval(d))
	}
	if cfg.JobName != "" {
		storeOpts = append(storeOpts, store.WithJobName(cfg.JobName))
	}
	if s.Publisher != nil {
		storeOpts = append(storeOpts, store.WithPublisher(s.Publisher))
	}
	s.Store, err = store.New(s.DB, storeOpts...)
	if err != nil {
		return err
	}
	return nil
}

// OpenDatabase connects to the database described by cfg.
func OpenDatabase(cfg *config.Database, logger hclog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(database.Config{
		Driver:   cfg.Driver,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
		Path:     cfg.Path,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	return db, nil
}

// NewBackend builds the configured search backend.
func NewBackend(cfg *config.Search, logger hclog.Logger) (search.Backend, error) {
	switch cfg.Provider {
	case config.SearchProviderAlgolia:
		a, err := algolia.NewAdapter(&algolia.Config{
			AppID:                cfg.Algolia.AppID,
			WriteAPIKey:          cfg.Algolia.WriteAPIKey,
			SearchableAttributes: cfg.Algolia.SearchableAttributes,
			WaitForTasks:         cfg.Algolia.WaitForTasks,
			Logger:               logger,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating algolia backend: %w", err)
		}
		return a, nil

	case "", config.SearchProviderBleve:
		bcfg := &bleve.Config{Logger: logger}
		if cfg.Bleve != nil {
			bcfg.IndexPath = cfg.Bleve.IndexPath
		}
		b, err := bleve.NewAdapter(bcfg)
		if err != nil {
			return nil, fmt.Errorf("error creating bleve backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported search provider: %s", cfg.Provider)
	}
}

// Orchestrator builds an orchestrator whose strategies index from Source into
// Backend.
func (s *Server) Orchestrator() (*orchestrator.Orchestrator, error) {
	cleaner, err := s.OrphanCleaner()
	if err != nil {
		return nil, err
	}
	opts := []orchestrator.Option{
		orchestrator.WithContext(s.Store),
		orchestrator.WithStrategyFactory(s.NewStrategy),
		orchestrator.WithOrphanCleaner(cleaner),
		orchestrator.WithLogger(s.Logger),
	}
	if d := config.Duration(s.Config.Reindex.ProgressInterval); d > 0 {
		opts = append(opts, orchestrator.WithProgressInterval(d))
	}
	return orchestrator.New(opts...)
}

// OrphanCleaner builds a cleaner for staged indices in Backend.
func (s *Server) OrphanCleaner() (*recreate.OrphanCleaner, error) {
	return recreate.NewOrphanCleaner(recreate.CleanerConfig{
		Backend:     s.Backend,
		IndexPrefix: s.Config.Search.IndexPrefix,
		GracePeriod: config.Duration(s.Config.Reindex.OrphanGracePeriod),
		Logger:      s.Logger,
	})
}

func (s *Server) recreateHandler() (*recreate.Handler, error) {
	return recreate.NewHandler(recreate.Config{
		Backend:     s.Backend,
		IndexPrefix: s.Config.Search.IndexPrefix,
		Observer:    s.Metrics,
		Logger:      s.Logger,
	})
}

// NewStrategy returns the distributed strategy when cfg asks for it and the
// single-server strategy otherwise.
func (s *Server) NewStrategy(cfg reindex.Configuration) (strategy.Strategy, error) {
	handler, err := s.recreateHandler()
	if err != nil {
		return nil, err
	}
	rcfg := s.Config.Reindex

	if cfg.Distributed {
		executor, err := s.NewExecutor()
		if err != nil {
			return nil, err
		}
		d, err := strategy.NewDistributed(strategy.DistributedConfig{
			Executor:     executor,
			NewSink:      s.NewSink,
			Recreate:     handler,
			Observer:     s.Metrics,
			Logger:       s.Logger,
			PollInterval: config.Duration(s.Config.Distributed.PollInterval),
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	single, err := strategy.NewSingle(strategy.SingleConfig{
		Pipeline: pipeline.Config{
			Source:     s.Source,
			Failures:   s.Store,
			Observer:   s.Metrics,
			Logger:     s.Logger,
			MaxReaders: rcfg.MaxReaders,
			MaxRetries: rcfg.MaxRetries,
		},
		NewSink:  s.NewSink,
		Recreate: handler,
	})
	if err != nil {
		return nil, err
	}
	return single, nil
}

// NewExecutor builds a distributed executor from the distributed block.
func (s *Server) NewExecutor() (*distributed.Executor, error) {
	dcfg := s.Config.Distributed
	executor, err := distributed.New(distributed.Config{
		DB:                     s.DB,
		Source:                 s.Source,
		ServerID:               dcfg.ServerID,
		Workers:                dcfg.Workers,
		PartitionSize:          dcfg.PartitionSize,
		MaxPartitionsPerEntity: dcfg.MaxPartitionsPerEntity,
		ClaimTimeout:           config.Duration(dcfg.ClaimTimeout),
		MaxRetries:             s.Config.Reindex.MaxRetries,
		Failures:               s.Store,
		Observer:               s.Metrics,
		Logger:                 s.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating distributed executor: %w", err)
	}
	return executor, nil
}

// NewSink builds a bulk sink for one run. The job's payload size and request
// limit apply, capped by the search block when it sets them.
func (s *Server) NewSink(cfg reindex.Configuration) (reindex.Sink, error) {
	scfg := s.Config.Search
	rcfg := s.Config.Reindex

	bcfg := breaker.Config{
		Threshold:     breaker.DefaultThreshold,
		Window:        breaker.DefaultWindow,
		ProbeInterval: breaker.DefaultProbeInterval,
		OnTransition: func(from, to breaker.State) {
			s.Metrics.BreakerTransition(breaker.TransitionName(from, to))
		},
		Logger: s.Logger,
	}
	if rcfg.BreakerThreshold > 0 {
		bcfg.Threshold = rcfg.BreakerThreshold
	}
	if d := config.Duration(rcfg.BreakerWindow); d > 0 {
		bcfg.Window = d
	}
	if d := config.Duration(rcfg.BreakerProbeInterval); d > 0 {
		bcfg.ProbeInterval = d
	}
	b, err := breaker.New(bcfg)
	if err != nil {
		return nil, fmt.Errorf("error creating circuit breaker: %w", err)
	}

	bs, err := sink.New(sink.Config{
		Backend:               s.Backend,
		Breaker:               b,
		Embedder:              s.Embedder,
		EmbedFields:           s.Config.Embeddings.Fields,
		IndexPrefix:           scfg.IndexPrefix,
		MaxConcurrentRequests: capAt(cfg.MaxConcurrentRequests, scfg.MaxConcurrentRequests),
		MaxPayloadBytes:       capAt(int(cfg.PayloadSize), scfg.MaxPayloadBytes),
		Observer:              s.Metrics,
		Logger:                s.Logger,
	})
	if err != nil {
		return nil, err
	}
	return bs, nil
}

// capAt returns v limited to limit. A non-positive limit means no limit.
func capAt(v, limit int) int {
	if limit > 0 && (v <= 0 || v > limit) {
		return limit
	}
	return v
}

// MetricsHandler serves Registry in the Prometheus exposition format.
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler(s.Registry)
}

// Close releases the publisher, the search backend and the database.
func (s *Server) Close() error {
	var result *multierror.Error
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Backend != nil {
		if err := s.Backend.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close search backend: %w", err))
		}
	}
	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
			}
		}
	}
	return result.ErrorOrNil()
}
