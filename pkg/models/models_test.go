package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(ModelsToAutoMigrate()...))
	return db
}

func TestJSON_RoundTrip(t *testing.T) {
	j, err := NewJSON(map[string]int{"total": 3})
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, j.Decode(&out))
	assert.Equal(t, 3, out["total"])

	empty, err := NewJSON(nil)
	require.NoError(t, err)
	assert.NoError(t, empty.Decode(&out))

	_, err = JSON("{").Value()
	assert.Error(t, err)
}

func TestReindexRun_Persistence(t *testing.T) {
	db := setupTestDB(t)

	stats, err := NewJSON(map[string]int64{"success": 10})
	require.NoError(t, err)
	older := &ReindexRun{ID: "run-1", JobName: "SearchIndexingApplication", Status: "COMPLETED", StartedAt: time.Now().Add(-time.Hour)}
	newer := &ReindexRun{ID: "run-2", JobName: "SearchIndexingApplication", Status: "RUNNING", StartedAt: time.Now(), Stats: stats}
	require.NoError(t, older.Upsert(db))
	require.NoError(t, newer.Upsert(db))

	latest, err := LatestRun(db, "SearchIndexingApplication")
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.ID)

	var decoded map[string]int64
	require.NoError(t, latest.Stats.Decode(&decoded))
	assert.Equal(t, int64(10), decoded["success"])

	newer.Status = "COMPLETED"
	require.NoError(t, newer.Upsert(db))
	got := &ReindexRun{ID: "run-2"}
	require.NoError(t, got.Get(db))
	assert.Equal(t, "COMPLETED", got.Status)
}

func TestCountFailures(t *testing.T) {
	db := setupTestDB(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&ReindexFailure{JobID: "run-1", Stage: "SINK", Message: "boom", OccurredAt: time.Now()}).Error)
	}
	require.NoError(t, db.Create(&ReindexFailure{JobID: "run-2", Stage: "READER", OccurredAt: time.Now()}).Error)

	n, err := CountFailures(db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
