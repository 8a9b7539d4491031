package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ballotwatch/acta-harvester/internal/app"
	"github.com/ballotwatch/acta-harvester/internal/clock/system"
	"github.com/ballotwatch/acta-harvester/internal/config"
	"github.com/ballotwatch/acta-harvester/internal/harvest"
	"github.com/ballotwatch/acta-harvester/internal/storage/memory"
)

// withMemoryApp swaps the app factory for one backed by the in-memory store
// and restores it when the test finishes.
func withMemoryApp(t *testing.T) *memory.JobStore {
	t.Helper()

	store := memory.NewJobStore(3, system.New())
	cfg := config.Config{
		DB:     config.DBConfig{Driver: "memory"},
		Loader: config.LoaderConfig{Categories: []string{"presidential", "senate"}, DefaultPriority: 5},
	}

	orig := newApp
	newApp = func(context.Context, string) (*app.App, error) {
		return &app.App{
			Cfg:    cfg,
			Logger: zap.NewNop(),
			Store:  store,
			Clock:  system.New(),
		}, nil
	}
	t.Cleanup(func() { newApp = orig })
	return store
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	return out.String()
}

func writeManifest(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stations.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o600))
	return path
}

func TestLoadCommandSeedsQueue(t *testing.T) {
	store := withMemoryApp(t)
	manifest := writeManifest(t, "region,subregion,zone,station\n05,12,03,41502\n05,12,03,41503\n")

	out := execute(t, "load", manifest)
	require.Contains(t, out, "inserted 4 of 4 jobs")

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.Pending)

	// Reloading the same manifest inserts nothing.
	out = execute(t, "load", manifest)
	require.Contains(t, out, "inserted 0 of 4 jobs")
}

func TestStatusCommandPrintsSnapshot(t *testing.T) {
	store := withMemoryApp(t)
	_, err := store.InsertJobs(context.Background(), []harvest.Job{
		{Key: harvest.NaturalKey{Region: "05", Subregion: "12", Zone: "03", Station: "41502", Category: "presidential"}},
	})
	require.NoError(t, err)

	out := execute(t, "status")
	require.Contains(t, out, "pending:        1")
	require.Contains(t, out, "total:          1")
}

func TestResetCommandRequeuesFailed(t *testing.T) {
	store := withMemoryApp(t)
	ctx := context.Background()
	_, err := store.InsertJobs(ctx, []harvest.Job{
		{Key: harvest.NaturalKey{Region: "05", Subregion: "12", Zone: "03", Station: "41502", Category: "presidential"}},
	})
	require.NoError(t, err)

	job, err := store.Claim(ctx, "w1")
	require.NoError(t, err)
	applied, err := store.Fail(ctx, job.ID, "w1", "boom", false)
	require.NoError(t, err)
	require.True(t, applied)

	out := execute(t, "reset")
	require.Contains(t, out, "requeued 1 jobs")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Pending)
	require.Zero(t, stats.Failed)
}

func TestRunCommandRejectsNonDryRun(t *testing.T) {
	withMemoryApp(t)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "--dry-run")
}
