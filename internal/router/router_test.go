package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/internal/rollout"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	_ rollout.Router = (*Log)(nil)
	_ rollout.Router = (*Recorder)(nil)
	_ rollout.Router = (*File)(nil)
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.SetWeights(ctx, "web", 100, 0))
	require.NoError(t, r.SetWeights(ctx, "api", 80, 20))
	require.NoError(t, r.SetWeights(ctx, "web", 60, 40))

	assert.Error(t, r.SetWeights(ctx, "web", 70, 40))
	assert.Len(t, r.Routes(), 3)

	w, ok := r.Current("web")
	require.True(t, ok)
	assert.Equal(t, types.Weights{Stable: 60, Canary: 40}, w)
	_, ok = r.Current("db")
	assert.False(t, ok)
}

func TestFilePersistsPerTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes", "weights.json")
	f := NewFile(path)
	ctx := context.Background()

	require.NoError(t, f.SetWeights(ctx, "web", 80, 20))
	require.NoError(t, f.SetWeights(ctx, "api", 100, 0))
	require.NoError(t, f.SetWeights(ctx, "web", 60, 40))

	state, err := NewFile(path).Load()
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, 40, state["web"].Weights.Canary)
	assert.Equal(t, 100, state["api"].Weights.Stable)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileRejectsInvalidAndCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.json")
	f := NewFile(path)

	assert.Error(t, f.SetWeights(context.Background(), "web", -1, 101))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	err := f.SetWeights(context.Background(), "web", 100, 0)
	assert.ErrorIs(t, err, ErrCorruptedState)
}

func TestFileHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewFile(filepath.Join(t.TempDir(), "w.json")).SetWeights(ctx, "web", 100, 0), context.Canceled)
}

func TestLog(t *testing.T) {
	l := &Log{}
	assert.NoError(t, l.SetWeights(context.Background(), "web", 90, 10))
	assert.Error(t, l.SetWeights(context.Background(), "web", 90, 90))
}
