// Package router implements rollout.Router backends that apply canary
// traffic splits.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var ErrCorruptedState = errors.New("router state file is corrupted")

// Log only logs the requested split.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) SetWeights(_ context.Context, target string, stable, canary int) error {
	w, err := types.NewWeights(stable, canary)
	if err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("traffic split", "target", target, "weights", w.String())
	return nil
}

// Route is one applied split.
type Route struct {
	Target  string        `json:"target"`
	Weights types.Weights `json:"weights"`
	At      time.Time     `json:"at"`
}

// Recorder keeps every applied split in memory.
type Recorder struct {
	mu     sync.Mutex
	routes []Route
}

func (r *Recorder) SetWeights(_ context.Context, target string, stable, canary int) error {
	w, err := types.NewWeights(stable, canary)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.routes = append(r.routes, Route{Target: target, Weights: w, At: time.Now()})
	r.mu.Unlock()
	return nil
}

// Routes returns the recorded splits in order.
func (r *Recorder) Routes() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Route(nil), r.routes...)
}

// Current returns the last split applied to target.
func (r *Recorder) Current(target string) (types.Weights, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.routes) - 1; i >= 0; i-- {
		if r.routes[i].Target == target {
			return r.routes[i].Weights, true
		}
	}
	return types.Weights{}, false
}

// File keeps the current split of every target in a JSON file that an
// external proxy or operator can watch. Writes are atomic.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) *File { return &File{path: path} }

func (f *File) SetWeights(ctx context.Context, target string, stable, canary int) error {
	w, err := types.NewWeights(stable, canary)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, err := f.load()
	if err != nil {
		return err
	}
	state[target] = Route{Target: target, Weights: w, At: time.Now().UTC()}
	return f.write(state)
}

// Load returns the current split of every target.
func (f *File) Load() (map[string]Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() (map[string]Route, error) {
	state := make(map[string]Route)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("read router state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	return state, nil
}

func (f *File) write(state map[string]Route) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal router state: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create router state dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write router state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename router state: %w", err)
	}
	return nil
}
