package source

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/reindexer/pkg/models"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
	"github.com/hashicorp-forge/reindexer/pkg/reindex/entities"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.EntityRecord{}))
	return db
}

func seed(t *testing.T, db *gorm.DB, entityType string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &models.EntityRecord{
			ID:         fmt.Sprintf("%s-%04d", entityType, i),
			EntityType: entityType,
			Payload:    fmt.Sprintf(`{"name":"%s %d"}`, entityType, i),
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, rec.Create(db))
	}
}

func newSource(t *testing.T, db *gorm.DB) *DB {
	t.Helper()
	s, err := New(db, WithLogger(hclog.NewNullLogger()))
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, s *DB, entityType, cursor string, limit int, window *reindex.TimeWindow) []string {
	t.Helper()
	var ids []string
	for {
		page, err := s.ReadPage(context.Background(), entityType, cursor, limit, window)
		require.NoError(t, err)
		for _, r := range page.Records {
			ids = append(ids, r.ID)
		}
		for _, e := range page.Errors {
			ids = append(ids, e.RecordID)
		}
		if page.After == "" {
			return ids
		}
		cursor = page.After
	}
}

func TestNewRequiresDB(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestCount(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db, "table", 12)
	seed(t, db, "user", 3)
	require.NoError(t, db.Create(&models.EntityRecord{ID: "table-gone", EntityType: "table", Payload: "{}", Deleted: true}).Error)
	s := newSource(t, db)

	n, err := s.Count(context.Background(), "table", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	window := &reindex.TimeWindow{Start: base.Add(2 * time.Hour), End: base.Add(5 * time.Hour)}
	n, err = s.Count(context.Background(), "table", window)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestReadKeysetPages(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db, "table", 25)
	s := newSource(t, db)

	page, err := s.ReadPage(context.Background(), "table", "", 10, nil)
	require.NoError(t, err)
	assert.Equal(t, reindex.KindEntities, page.Kind)
	require.Len(t, page.Records, 10)
	assert.Equal(t, "table 0", page.Records[0].Fields["name"])
	assert.Equal(t, entities.EncodeKey("table-0009"), page.After)

	ids := readAll(t, s, "table", "", 10, nil)
	assert.Len(t, ids, 25)
	assert.Equal(t, "table-0024", ids[24])
}

func TestReadOffsetPagesForTimeSeries(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db, "testCaseResult", 9)
	s := newSource(t, db)

	page, err := s.ReadPage(context.Background(), "testCaseResult", "", 4, nil)
	require.NoError(t, err)
	assert.Equal(t, reindex.KindTimeSeries, page.Kind)
	assert.Equal(t, entities.EncodeOffset(4), page.After)

	window := &reindex.TimeWindow{Start: base.Add(3 * time.Hour)}
	ids := readAll(t, s, "testCaseResult", "", 4, window)
	assert.Equal(t, []string{"testCaseResult-0003", "testCaseResult-0004", "testCaseResult-0005",
		"testCaseResult-0006", "testCaseResult-0007", "testCaseResult-0008"}, ids)
}

func TestInvalidPayloadsBecomePageErrors(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db, "user", 2)
	require.NoError(t, db.Create(&models.EntityRecord{ID: "user-0001a", EntityType: "user", Payload: "{not json"}).Error)
	require.NoError(t, db.Create(&models.EntityRecord{ID: "user-0001b", EntityType: "user", Payload: "[1,2]"}).Error)
	s := newSource(t, db)

	page, err := s.ReadPage(context.Background(), "user", "", 10, nil)
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	require.Len(t, page.Errors, 2)
	assert.Equal(t, "user-0001a", page.Errors[0].RecordID)
	assert.Equal(t, 4, page.Processed())
	assert.Empty(t, page.After)
}

func TestReadPageRejectsBadCursor(t *testing.T) {
	s := newSource(t, setupTestDB(t))
	_, err := s.ReadPage(context.Background(), "testCaseResult", "!!", 10, nil)
	assert.Error(t, err)
	_, err = s.ReadPage(context.Background(), "table", "", 0, nil)
	assert.Error(t, err)
}

func TestFindBoundaries(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db, "table", 10)
	s := newSource(t, db)
	ctx := context.Background()

	cursors, err := s.FindBoundaries(ctx, "table", 3, 10)
	require.NoError(t, err)
	require.Len(t, cursors, 3)
	assert.Equal(t, "", cursors[0])

	// Reading each range for ceil(10/3)=4 records covers every record once.
	var all []string
	for _, c := range cursors {
		page, err := s.ReadPage(ctx, "table", c, 4, nil)
		require.NoError(t, err)
		for _, r := range page.Records {
			all = append(all, r.ID)
		}
	}
	assert.Len(t, all, 10)
	assert.Equal(t, "table-0004", all[4])

	cursors, err = s.FindBoundaries(ctx, "table", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, cursors)

	// Asking for more ranges than records yields fewer cursors.
	cursors, err = s.FindBoundaries(ctx, "table", 20, 10)
	require.NoError(t, err)
	assert.Len(t, cursors, 10)

	cursors, err = s.FindBoundaries(ctx, "testCaseResult", 2, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{entities.EncodeOffset(0), entities.EncodeOffset(5)}, cursors)
}
