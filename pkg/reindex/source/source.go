// Package source reads entities for reindexing from the entity_records table.
package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/reindexer/pkg/models"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
)

// DB is a reindex.Source over gorm. Entities are paged by id (keyset);
// time-series records are paged by offset in timestamp order.
type DB struct {
	db     *gorm.DB
	logger hclog.Logger
}

// Option is a functional option for creating a DB source.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *DB) {
		s.logger = logger
	}
}

// New creates a DB source.
func New(db *gorm.DB, opts ...Option) (*DB, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &DB{
		db:     db,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("source")
	return s, nil
}

func (s *DB) scope(ctx context.Context, entityType string, window *reindex.TimeWindow) *gorm.DB {
	q := s.db.WithContext(ctx).
		Model(&models.EntityRecord{}).
		Where("entity_type = ? AND deleted = ?", entityType, false)
	if window != nil {
		if !window.Start.IsZero() {
			q = q.Where("event_time >= ?", window.Start)
		}
		if !window.End.IsZero() {
			q = q.Where("event_time <= ?", window.End)
		}
	}
	return q
}

// Count returns the number of live records of entityType inside window.
func (s *DB) Count(ctx context.Context, entityType string, window *reindex.TimeWindow) (int64, error) {
	var n int64
	if err := s.scope(ctx, entityType, window).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", entityType, err)
	}
	return n, nil
}

// ReadPage reads up to limit records after cursor.
func (s *DB) ReadPage(ctx context.Context, entityType, cursor string, limit int, window *reindex.TimeWindow) (*reindex.Page, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if entities.IsTimeSeries(entityType) {
		return s.readOffsetPage(ctx, entityType, cursor, limit, window)
	}
	return s.readKeysetPage(ctx, entityType, cursor, limit, window)
}

func (s *DB) readKeysetPage(ctx context.Context, entityType, cursor string, limit int, window *reindex.TimeWindow) (*reindex.Page, error) {
	after, err := entities.DecodeKey(cursor)
	if err != nil {
		return nil, err
	}

	var rows []models.EntityRecord
	err = s.scope(ctx, entityType, window).
		Where("id > ?", after).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read %s after %q: %w", entityType, after, err)
	}

	page := s.toPage(entityType, reindex.KindEntities, rows)
	if len(rows) == limit {
		page.After = entities.EncodeKey(rows[len(rows)-1].ID)
	}
	return page, nil
}

func (s *DB) readOffsetPage(ctx context.Context, entityType, cursor string, limit int, window *reindex.TimeWindow) (*reindex.Page, error) {
	offset, err := entities.DecodeOffset(cursor)
	if err != nil {
		return nil, err
	}

	var rows []models.EntityRecord
	err = s.scope(ctx, entityType, window).
		Order("event_time ASC").
		Order("id ASC").
		Offset(int(offset)).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at offset %d: %w", entityType, offset, err)
	}

	page := s.toPage(entityType, reindex.KindTimeSeries, rows)
	if len(rows) == limit {
		page.After = entities.EncodeOffset(offset + int64(len(rows)))
	}
	return page, nil
}

// toPage decodes payloads. Rows whose payload is not a JSON object become
// page errors.
func (s *DB) toPage(entityType string, kind reindex.PageKind, rows []models.EntityRecord) *reindex.Page {
	page := &reindex.Page{Kind: kind, Records: make([]reindex.Record, 0, len(rows))}
	for _, row := range rows {
		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(row.Payload), &fields); err != nil || fields == nil {
			msg := "payload is not a JSON object"
			if err != nil {
				msg = fmt.Sprintf("invalid payload: %v", err)
			}
			page.Errors = append(page.Errors, reindex.RecordError{RecordID: row.ID, Message: msg})
			continue
		}
		page.Records = append(page.Records, reindex.Record{
			ID:         row.ID,
			EntityType: entityType,
			Timestamp:  row.Timestamp,
			Fields:     fields,
		})
	}
	if len(page.Errors) > 0 {
		s.logger.Debug("skipped unreadable records", "entity_type", entityType, "count", len(page.Errors))
	}
	return page
}

// FindBoundaries returns keyset start cursors splitting entityType into
// readers ranges of ceil(total/readers) records. The first range always
// starts at the beginning.
func (s *DB) FindBoundaries(ctx context.Context, entityType string, readers int, total int64) ([]string, error) {
	if readers <= 1 || total <= 0 {
		return []string{""}, nil
	}
	if entities.IsTimeSeries(entityType) {
		per := (total + int64(readers) - 1) / int64(readers)
		out := make([]string, 0, readers)
		for i := int64(0); i < int64(readers) && i*per < total; i++ {
			out = append(out, entities.EncodeOffset(i*per))
		}
		return out, nil
	}

	per := (total + int64(readers) - 1) / int64(readers)
	out := []string{""}
	for i := int64(1); i < int64(readers) && i*per < total; i++ {
		var ids []string
		err := s.scope(ctx, entityType, nil).
			Order("id ASC").
			Offset(int(i*per-1)).
			Limit(1).
			Pluck("id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("failed to find boundary %d for %s: %w", i, entityType, err)
		}
		if len(ids) == 0 {
			break
		}
		out = append(out, entities.EncodeKey(ids[0]))
	}
	return out, nil
}

var _ reindex.Source = (*DB)(nil)
