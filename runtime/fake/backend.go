// Package fake provides a configurable in-memory backend for contract and
// lifecycle tests.
package fake

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"sandboxd/config"
	"sandboxd/runtime"
)

// Backend is a scriptable fake. The zero value executes successfully with
// empty output against an empty filesystem.
type Backend struct {
	StartErr     error
	ExecErr      error
	TerminateErr error

	// ExitCode and output returned by Execute when ExecuteFn is unset.
	ExitCode   int
	StdoutData string
	StderrData string

	// ExecDelay makes Execute block, honoring context cancellation.
	ExecDelay time.Duration

	// CreateOnExec contents appear in the filesystem after each Execute,
	// simulating files produced by user code.
	CreateOnExec map[string][]byte

	// ExecuteFn overrides Execute entirely when set.
	ExecuteFn func(ctx context.Context, argv []string) (runtime.ExecutionResult, error)

	WorkingDir string

	mu         sync.Mutex
	files      map[string][]byte
	order      []string
	started    bool
	terminated bool
	execs      int
	installs   []string
}

func New(cfg config.Config) *Backend {
	return &Backend{WorkingDir: cfg.WorkingDir}
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.StartErr != nil {
		return b.StartErr
	}
	b.mu.Lock()
	b.started = true
	if b.files == nil {
		b.files = map[string][]byte{}
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Execute(ctx context.Context, argv []string) (runtime.ExecutionResult, error) {
	b.mu.Lock()
	b.execs++
	b.mu.Unlock()

	if b.ExecuteFn != nil {
		return b.ExecuteFn(ctx, argv)
	}
	if b.ExecDelay > 0 {
		select {
		case <-time.After(b.ExecDelay):
		case <-ctx.Done():
			return runtime.ExecutionResult{
				Stdout: b.StdoutData,
				Stderr: b.StderrData,
			}, ctx.Err()
		}
	}
	if b.ExecErr != nil {
		return runtime.ExecutionResult{}, b.ExecErr
	}

	b.mu.Lock()
	for name, data := range b.CreateOnExec {
		b.put(name, data)
	}
	b.mu.Unlock()

	return runtime.ExecutionResult{
		Stdout:   b.StdoutData,
		Stderr:   b.StderrData,
		ExitCode: b.ExitCode,
	}, nil
}

func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.put(strings.TrimPrefix(remotePath, b.WorkingDir+"/"), data)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	data, ok := b.files[strings.TrimPrefix(remotePath, b.WorkingDir+"/")]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, remotePath)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (b *Backend) ListFiles(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out, nil
}

func (b *Backend) InstallPackage(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.installs = append(b.installs, name)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Terminate(ctx context.Context) error {
	b.mu.Lock()
	b.terminated = true
	b.mu.Unlock()
	return b.TerminateErr
}

func (b *Backend) Stdout() []byte { return []byte(b.StdoutData) }
func (b *Backend) Stderr() []byte { return []byte(b.StderrData) }

// Seed places a file in the fake filesystem before any execution.
func (b *Backend) Seed(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.files == nil {
		b.files = map[string][]byte{}
	}
	b.put(name, data)
}

// put assumes b.mu is held.
func (b *Backend) put(name string, data []byte) {
	if _, ok := b.files[name]; !ok {
		b.order = append(b.order, name)
		sort.Strings(b.order)
	}
	b.files[name] = append([]byte(nil), data...)
}

func (b *Backend) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Backend) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

func (b *Backend) Executions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.execs
}

func (b *Backend) Installed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.installs))
	copy(out, b.installs)
	return out
}

var _ runtime.Backend = (*Backend)(nil)
var _ runtime.OutputProvider = (*Backend)(nil)
