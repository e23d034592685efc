package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/reindexer/internal/cmd/base"
	"github.com/hashicorp-forge/reindexer/internal/config"
	"github.com/hashicorp-forge/reindexer/internal/server"
	"github.com/hashicorp-forge/reindexer/pkg/models"
	"github.com/hashicorp-forge/reindexer/pkg/reindex"
)

func newCommand() (*Command, *cli.MockUi) {
	ui := cli.NewMockUi()
	return &Command{Command: base.NewCommand(hclog.NewNullLogger(), ui, "worker")}, ui
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "reindexer.hcl")
	content := fmt.Sprintf(`
database {
  driver = "sqlite"
  path   = %q
}

search {
  bleve {
    index_path = %q
  }
}

distributed {
  partition_size = 5
}
`, filepath.Join(dir, "reindexer.db"), filepath.Join(dir, "indices"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// createJob seeds n tables, stages an index for them and creates a
// distributed job that writes into it.
func createJob(t *testing.T, configPath string, n int) string {
	t.Helper()
	ctx := context.Background()
	cfg, err := config.NewConfig(configPath)
	require.NoError(t, err)
	srv, err := server.New(ctx, cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer srv.Close()

	for i := 0; i < n; i++ {
		require.NoError(t, (&models.EntityRecord{
			ID:         fmt.Sprintf("table-%03d", i),
			EntityType: "table",
			Payload:    fmt.Sprintf(`{"name":"table %d"}`, i),
			Timestamp:  time.Now(),
		}).Create(srv.DB))
	}
	require.NoError(t, srv.Backend.CreateIndex(ctx, "table_rebuild_1"))

	executor, err := srv.NewExecutor()
	require.NoError(t, err)
	job, err := executor.CreateJob(ctx, reindex.JobContext{
		ID:          "run-1",
		Name:        "WorkerTest",
		StartedAt:   time.Now(),
		Distributed: true,
		Targets: []reindex.IndexTarget{
			{EntityType: "table", Canonical: "table_search_index", Staged: "table_rebuild_1"},
		},
	}, reindex.Configuration{Entities: []string{"table"}, BatchSize: 4, Recreate: true}.Resolve())
	require.NoError(t, err)
	return job.ID
}

func TestWorkerJoinsActiveJob(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)
	jobID := createJob(t, configPath, 12)

	c, ui := newCommand()
	code := c.Run([]string{"-config", configPath})
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Contains(t, ui.OutputWriter.String(), "Joining distributed job "+jobID)
	assert.Contains(t, ui.OutputWriter.String(), "indexed 12 records, 0 failed")
}

func TestWorkerWithoutJob(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	c, ui := newCommand()
	code := c.Run([]string{"-config", configPath, "-wait", "50ms", "-poll-interval", "10ms"})
	assert.Equal(t, 1, code)
	assert.Contains(t, ui.ErrorWriter.String(), "no active distributed job")
}

func TestWorkerBadFlag(t *testing.T) {
	c, ui := newCommand()
	assert.Equal(t, 1, c.Run([]string{"-no-such-flag"}))
	assert.Contains(t, ui.ErrorWriter.String(), "error parsing flags")
}
