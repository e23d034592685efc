// Package database opens the system-of-record connection used for entity
// pages, run records and distributed partitions.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultSlowQueryThreshold is the duration above which queries are logged
// as slow.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// Config holds configuration for database connection.
type Config struct {
	// Driver is "postgres" (default) or "sqlite".
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Path is the SQLite database file. ":memory:" opens a private
	// in-memory database.
	Path string

	MaxIdleConns    int           // default: 10
	MaxOpenConns    int           // default: 25, 1 for sqlite
	ConnMaxLifetime time.Duration // default: 5 minutes
	ConnMaxIdleTime time.Duration // default: 10 minutes

	SlowQueryThreshold time.Duration
}

// DSN returns the PostgreSQL connection string for cfg.
func (cfg Config) DSN() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

// withDefaults fills unset pool settings. Every connection to a sqlite
// ":memory:" database is a separate database, and a sqlite file admits one
// writer at a time, so sqlite gets a single connection unless asked for more.
func (cfg Config) withDefaults() Config {
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	switch {
	case cfg.Driver == DriverSQLite && (cfg.Path == ":memory:" || cfg.MaxOpenConns == 0):
		cfg.MaxOpenConns = 1
	case cfg.MaxOpenConns == 0:
		cfg.MaxOpenConns = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 10 * time.Minute
	}
	if cfg.SlowQueryThreshold == 0 {
		cfg.SlowQueryThreshold = DefaultSlowQueryThreshold
	}
	return cfg
}

func (cfg Config) dialector() (gorm.Dialector, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return postgres.Open(cfg.DSN()), nil
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return sqlite.Open(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, sqlite)", cfg.Driver)
	}
}

// Connect opens the database described by cfg and configures its connection
// pool. A nil log silences GORM.
func Connect(cfg Config, log hclog.Logger) (*gorm.DB, error) {
	cfg = cfg.withDefaults()
	dialector, err := cfg.dialector()
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if log != nil {
		gormConfig.Logger = NewGormLogger(log.Named("gorm"), cfg.SlowQueryThreshold)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if log != nil {
		log.Info("connected to database",
			"driver", cfg.Driver,
			"host", cfg.Host,
			"database", cfg.DBName,
			"path", cfg.Path,
			"max_open_conns", cfg.MaxOpenConns,
		)
	}
	return db, nil
}

// Stats returns the connection pool statistics of db.
func Stats(db *gorm.DB) (sql.DBStats, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	return sqlDB.Stats(), nil
}

// gormLogger sends GORM's output to an hclog.Logger. Queries are logged at
// debug level, slow queries at warn and failed queries at error.
type gormLogger struct {
	log   hclog.Logger
	level logger.LogLevel
	slow  time.Duration
}

// NewGormLogger returns a GORM logger backed by log.
func NewGormLogger(log hclog.Logger, slow time.Duration) logger.Interface {
	if slow <= 0 {
		slow = DefaultSlowQueryThreshold
	}
	return &gormLogger{log: log, level: logger.Info, slow: slow}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	out := *g
	out.level = level
	return &out
}

func (g *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.log.Info(fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.log.Error(fmt.Sprintf(msg, data...))
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		query, rows := fc()
		g.log.Error("database query failed", "error", err, "elapsed", elapsed, "rows", rows, "sql", query)
	case elapsed > g.slow && g.level >= logger.Warn:
		query, rows := fc()
		g.log.Warn("slow database query", "elapsed", elapsed, "rows", rows, "sql", query)
	case g.level >= logger.Info && g.log.IsDebug():
		query, rows := fc()
		g.log.Debug("database query", "elapsed", elapsed, "rows", rows, "sql", query)
	}
}
