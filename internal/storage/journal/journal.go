// ============================================================================
// Beaver-Pipeline Run Journal
// ============================================================================
//
// Package: internal/storage/journal
// File: journal.go
//
// Append-only log of pipeline run events, one JSON object per line:
//
//	{"seq":1,"type":"PIPELINE_START","run_id":"…","timestamp":…,"checksum":…}
//	{"seq":2,"type":"TRANSITION","run_id":"…","job_id":"build","from":"pending","to":"ready",…}
//
// Writes are buffered and flushed when the buffer fills, when the flush
// interval has elapsed since the last flush, or on Flush/Rotate/Close.
// Sequence numbers continue across restarts: opening an existing file reads
// its last record.
//
// ============================================================================

package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Options tunes buffering.
type Options struct {
	BufferSize    int
	FlushInterval time.Duration
	SyncOnFlush   bool
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	return o
}

// Journal is safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
	seq  uint64
	opts Options

	buffer        []Event
	lastFlushTime time.Time
	closed        bool
}

// Open creates or reopens the journal at path.
func Open(path string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	var seq uint64
	if last, err := lastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	opts = opts.withDefaults()
	return &Journal{
		file:          file,
		enc:           json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append assigns the next sequence number, stamps and checksums event.
func (j *Journal) Append(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	event.Seq = j.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = Checksum(event)
	j.buffer = append(j.buffer, event)

	if event.Type == EventPipelineFinish ||
		len(j.buffer) >= j.opts.BufferSize ||
		time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered events to the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay flushes pending events and feeds every record to handler in order.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	path := j.path
	j.mu.Unlock()

	return ReadFile(path, handler)
}

// Rotate moves the current file aside with a timestamp suffix and starts a
// fresh one. Sequence numbers restart at zero.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backup := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backup); err != nil {
		return "", fmt.Errorf("rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("rotate journal: %w", err)
	}
	j.file = file
	j.enc = json.NewEncoder(file)
	j.seq = 0
	j.lastFlushTime = time.Now()
	return backup, nil
}

// LastSeq returns the last assigned sequence number.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the file. Further appends return ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

func (j *Journal) flushLocked() error {
	for _, event := range j.buffer {
		if err := j.enc.Encode(event); err != nil {
			return fmt.Errorf("write journal: %w", err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnFlush {
		return j.file.Sync()
	}
	return nil
}

// ReadFile replays a journal file without opening it for writing.
func ReadFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := verify(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// lastEvent returns the last record of path, or nil for an empty file.
func lastEvent(path string) (*Event, error) {
	var last *Event
	err := ReadFile(path, func(e Event) error {
		last = &e
		return nil
	})
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, io.EOF) {
		return nil, nil
	}
	return last, err
}
