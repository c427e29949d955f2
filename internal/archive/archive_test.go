package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

func finishedRun(id string, started time.Time, state types.PipelineState) *types.PipelineRun {
	return &types.PipelineRun{
		ID:       id,
		Pipeline: "web-release",
		State:    state,
		Jobs: []*types.JobRun{
			{JobID: "build", Class: types.ClassBlocking, State: types.StateSucceeded, Attempts: 1},
			{JobID: "deploy", Class: types.ClassBlocking, State: types.StateFailed, Attempts: 2,
				Error: "TimeoutError: attempt exceeded timeout of 1s", ErrorKind: types.ErrorTimeout},
		},
		Order:      []types.JobID{"build", "deploy"},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "runs"))
	require.NoError(t, err)

	run := finishedRun("run-1", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), types.PipelineFailed)
	require.NoError(t, store.Save(ctx, run))

	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.Pipeline, got.Pipeline)
	assert.Equal(t, types.PipelineFailed, got.State)
	require.Len(t, got.Jobs, 2)
	assert.Equal(t, types.ErrorTimeout, got.Jobs[1].ErrorKind)
	assert.Equal(t, run.Order, got.Order)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))

	_, err = os.Stat(filepath.Join(store.Dir(), "run-1.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreRejectsUnfinishedRuns(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	run := finishedRun("run-1", time.Now(), types.PipelineRunning)
	assert.ErrorIs(t, store.Save(context.Background(), run), ErrRunNotTerminal)
	assert.ErrorIs(t, store.Save(context.Background(), nil), ErrRunNotTerminal)
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../escape", "a/b"} {
		_, err := store.Load(context.Background(), id)
		assert.ErrorIs(t, err, ErrInvalidRunID, id)
	}
	run := finishedRun("../../etc/x", time.Now(), types.PipelineSucceeded)
	assert.ErrorIs(t, store.Save(context.Background(), run), ErrInvalidRunID)
}

func TestFileStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		require.NoError(t, store.Save(ctx, finishedRun(id, base.Add(time.Duration(i)*time.Hour), types.PipelineSucceeded)))
	}
	// junk next to the records is ignored
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("hi"), 0o644))

	runs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)
}

func TestFileStoreLoadErrors(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "bad.json"), []byte("not json"), 0o644))
	_, err = store.Load(ctx, "bad")
	assert.ErrorIs(t, err, ErrCorruptedRecord)

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "old.json"),
		[]byte(`{"schema_version": 99, "run": {"id": "old"}}`), 0o644))
	_, err = store.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", normalizePrefix(""))
	assert.Equal(t, "runs/", normalizePrefix("runs"))
	assert.Equal(t, "beaver/runs/", normalizePrefix("/beaver/runs/"))
}

// TestMinIOStore requires a MinIO server, e.g.
// BEAVER_MINIO_ENDPOINT=localhost:9000 BEAVER_MINIO_ACCESS_KEY=minioadmin BEAVER_MINIO_SECRET_KEY=minioadmin
func TestMinIOStore(t *testing.T) {
	endpoint := os.Getenv("BEAVER_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("Skipping integration test - set BEAVER_MINIO_ENDPOINT to run")
	}
	ctx := context.Background()
	store, err := NewMinIOStore(ctx, MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("BEAVER_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("BEAVER_MINIO_SECRET_KEY"),
		Bucket:    "beaver-test",
		Prefix:    "runs-" + uuid.NewString(),
	})
	require.NoError(t, err)

	run := finishedRun(uuid.NewString(), time.Now().UTC(), types.PipelineSucceeded)
	require.NoError(t, store.Save(ctx, run))

	got, err := store.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	runs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
