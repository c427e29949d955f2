package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// FileStore keeps one JSON file per run in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes run atomically. Saving the same run twice overwrites it.
func (s *FileStore) Save(_ context.Context, run *types.PipelineRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(run.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename record: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, id string) (*types.PipelineRun, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return decode(data)
}

// List skips records it cannot decode and logs them.
func (s *FileStore) List(_ context.Context) ([]*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive dir: %w", err)
	}

	var runs []*types.PipelineRun
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		run, err := decode(data)
		if err != nil {
			slog.Warn("skipping unreadable archived run", "file", e.Name(), "error", err)
			continue
		}
		runs = append(runs, run)
	}
	newestFirst(runs)
	return runs, nil
}
