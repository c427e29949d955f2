// ============================================================================
// Beaver-Pipeline Run Archive
// ============================================================================
//
// Package: internal/archive
// File: archive.go
//
// Keeps finished PipelineRuns so that they can be inspected after the
// process that ran them is gone.
//
// Record layout (JSON, one document per run):
//
//	{
//	  "schema_version": 1,
//	  "archived_at": "...",
//	  "run": { ...types.PipelineRun... }
//	}
//
// FileStore writes <dir>/<run-id>.json atomically (temp file + rename).
// MinIOStore writes the same document to <bucket>/<prefix><run-id>.json.
//
// ============================================================================

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// SchemaVersion is the record format written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedRecord     = errors.New("archived run is corrupted")
	ErrIncompatibleVersion = errors.New("archived run schema version is incompatible")
	ErrRunNotFound         = errors.New("archived run not found")
	ErrRunNotTerminal      = errors.New("only finished runs can be archived")
	ErrInvalidRunID        = errors.New("invalid run id")
)

// Store persists finished runs.
type Store interface {
	Save(ctx context.Context, run *types.PipelineRun) error
	Load(ctx context.Context, id string) (*types.PipelineRun, error)
	// List returns every archived run, newest first.
	List(ctx context.Context) ([]*types.PipelineRun, error)
}

type record struct {
	SchemaVer  int                `json:"schema_version"`
	ArchivedAt time.Time          `json:"archived_at"`
	Run        *types.PipelineRun `json:"run"`
}

func encode(run *types.PipelineRun) ([]byte, error) {
	if run == nil || !run.State.Terminal() {
		return nil, ErrRunNotTerminal
	}
	if err := checkID(run.ID); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(record{
		SchemaVer:  SchemaVersion,
		ArchivedAt: time.Now().UTC(),
		Run:        run,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run %s: %w", run.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*types.PipelineRun, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}
	if rec.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}
	if rec.Run == nil {
		return nil, fmt.Errorf("%w: record has no run", ErrCorruptedRecord)
	}
	return rec.Run, nil
}

// checkID rejects IDs that would escape the archive directory or prefix.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || r == 0 {
			return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
		}
	}
	return nil
}

func newestFirst(runs []*types.PipelineRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
