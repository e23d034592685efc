//go:build integration

package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/hashicorp-forge/reindexer/pkg/database"
	"github.com/hashicorp-forge/reindexer/pkg/models"
)

func TestRunMigrationsPostgres(t *testing.T) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("reindexer"),
		postgres.WithUsername("reindexer"),
		postgres.WithPassword("reindexer"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := database.Connect(database.Config{
		Driver:   database.DriverPostgres,
		Host:     host,
		Port:     port.Int(),
		User:     "reindexer",
		Password: "reindexer",
		DBName:   "reindexer",
	}, hclog.NewNullLogger())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, RunMigrations(sqlDB, "postgres"))
	require.NoError(t, RunMigrations(sqlDB, "postgres"))

	version, dirty, err := GetMigrationVersion(sqlDB, "postgres")
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	stats, err := models.NewJSON(map[string]int{"total": 1})
	require.NoError(t, err)
	run := &models.ReindexRun{ID: "8c4f1b9e-0000-4000-8000-000000000001", JobName: "nightly", Status: "RUNNING", StartedAt: time.Now(), Stats: stats}
	require.NoError(t, run.Upsert(db))

	latest, err := models.LatestRun(db, "nightly")
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}
