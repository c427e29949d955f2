// Package executor provides the command execution backends used by the
// worker pool.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-pipeline/internal/worker"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	ErrEmptyCommand = errors.New("command has no arguments")
	ErrUnknownKind  = errors.New("no backend registered for command kind")
)

// MaxOutput caps the combined output kept per attempt.
const MaxOutput = 64 << 10

// Shell runs argv commands as child processes. The context deadline kills
// the process.
type Shell struct {
	Env    []string // base environment; nil inherits the current process
	Logger *slog.Logger
}

func (s *Shell) Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
	if len(cmd.Args) == 0 {
		return types.CommandOutput{}, ErrEmptyCommand
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	c.Env = s.environ(cmd.Env)
	out := &limitedBuffer{limit: MaxOutput}
	c.Stdout = out
	c.Stderr = out

	logger.Debug("exec", "argv", cmd.Args, "dir", cmd.Dir)
	err := c.Run()
	res := types.CommandOutput{Output: out.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitCode()
	} else {
		res.ExitStatus = -1
	}
	return res, &worker.CommandError{ExitStatus: res.ExitStatus, Err: err}
}

func (s *Shell) environ(extra map[string]string) []string {
	base := s.Env
	if base == nil {
		base = os.Environ()
	}
	if len(extra) == 0 {
		return base
	}
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n...[truncated]"
	}
	return b.buf.String()
}

// Mux routes a command to the backend registered for its kind.
// An empty kind is treated as shell.
type Mux struct {
	backends map[types.CommandKind]worker.Executor
}

func NewMux() *Mux {
	return &Mux{backends: make(map[types.CommandKind]worker.Executor)}
}

// Handle registers backend for kind, replacing any previous one.
func (m *Mux) Handle(kind types.CommandKind, backend worker.Executor) *Mux {
	m.backends[kind] = backend
	return m
}

func (m *Mux) Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
	kind := cmd.Kind
	if kind == "" {
		kind = types.KindShell
	}
	backend, ok := m.backends[kind]
	if !ok {
		return types.CommandOutput{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return backend.Execute(ctx, cmd)
}

// Func adapts a function to worker.Executor.
type Func func(ctx context.Context, cmd types.Command) (types.CommandOutput, error)

func (f Func) Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
	return f(ctx, cmd)
}
