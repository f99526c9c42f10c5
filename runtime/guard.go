package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"sandboxd/config"
)

// ErrTerminated is returned by operations on a terminated adapter.
var ErrTerminated = errors.New("runtime: terminated")

// Guard wraps a Backend with the enforcement rules every backend must
// obey: start-once, one operation in flight, a supervising execution
// deadline with forced kill, path confinement, the package allowlist, and
// bounded best-effort termination. Artifact discovery runs here too, under
// the same serialization as the execute that produced the files.
type Guard struct {
	backend   Backend
	cfg       config.Config
	processor ArtifactProcessor

	// ops admits one operation at a time; TryAcquire gives the Busy
	// semantics instead of queueing.
	ops *semaphore.Weighted

	mu         sync.Mutex
	started    bool
	terminated bool
}

// NewGuard wraps backend with the shared enforcement rules. processor may
// be nil, in which case produced files are not collected.
func NewGuard(backend Backend, cfg config.Config, processor ArtifactProcessor) *Guard {
	return &Guard{
		backend:   backend,
		cfg:       cfg,
		processor: processor,
		ops:       semaphore.NewWeighted(1),
	}
}

func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.mu.Unlock()

	if err := g.backend.Start(ctx); err != nil {
		return &ProvisionError{Backend: g.backend.Name(), Err: err}
	}
	return nil
}

func (g *Guard) Execute(ctx context.Context, code string, lang Language) (ExecutionResult, error) {
	argv, err := lang.Command(code)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !g.ops.TryAcquire(1) {
		return ExecutionResult{}, ErrBusy
	}
	defer g.ops.Release(1)
	if err := g.ensureLive(); err != nil {
		return ExecutionResult{}, err
	}

	var warnings []string
	before, err := g.backend.ListFiles(ctx, g.cfg.WorkingDir)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("snapshot working directory: %v", err))
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, g.cfg.MaxExecutionTime)
	defer cancel()

	type outcome struct {
		res ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.backend.Execute(execCtx, argv)
		done <- outcome{res, err}
	}()

	var res ExecutionResult
	var execErr error
	timedOut := false
	select {
	case out := <-done:
		res, execErr = out.res, out.err
		timedOut = errors.Is(execCtx.Err(), context.DeadlineExceeded)
	case <-execCtx.Done():
		if !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			// Caller cancelled; the backend sees the same context and
			// unwinds on its own.
			out := <-done
			res, execErr = out.res, out.err
			res.Duration = time.Since(start)
			return res, ctx.Err()
		}
		timedOut = true
		// The backend may not honor the deadline itself. Force the kill,
		// then salvage whatever output made it out.
		g.kill()
		select {
		case out := <-done:
			res, execErr = out.res, out.err
		case <-time.After(g.cfg.TerminateGrace):
			if op, ok := g.backend.(OutputProvider); ok {
				res.Stdout = string(op.Stdout())
				res.Stderr = string(op.Stderr())
			}
		}
	}
	res.Duration = time.Since(start)
	res.Warnings = append(warnings, res.Warnings...)

	if timedOut {
		g.kill()
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrExecutionTimeout, g.cfg.MaxExecutionTime)
	}
	if execErr != nil {
		return res, fmt.Errorf("execute: %w", execErr)
	}

	g.collectArtifacts(ctx, before, &res)
	return res, nil
}

func (g *Guard) Upload(ctx context.Context, localPath, remotePath string) error {
	clean, err := ConfinePath(g.cfg.WorkingDir, remotePath)
	if err != nil {
		return err
	}
	if !g.ops.TryAcquire(1) {
		return ErrBusy
	}
	defer g.ops.Release(1)
	if err := g.ensureLive(); err != nil {
		return err
	}
	return g.backend.Upload(ctx, localPath, clean)
}

func (g *Guard) Download(ctx context.Context, remotePath, localPath string) error {
	clean, err := ConfinePath(g.cfg.WorkingDir, remotePath)
	if err != nil {
		return err
	}
	if !g.ops.TryAcquire(1) {
		return ErrBusy
	}
	defer g.ops.Release(1)
	if err := g.ensureLive(); err != nil {
		return err
	}
	return g.backend.Download(ctx, clean, localPath)
}

func (g *Guard) ListFiles(ctx context.Context, p string) ([]string, error) {
	clean, err := ConfinePath(g.cfg.WorkingDir, p)
	if err != nil {
		return nil, err
	}
	if !g.ops.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer g.ops.Release(1)
	if err := g.ensureLive(); err != nil {
		return nil, err
	}
	return g.backend.ListFiles(ctx, clean)
}

func (g *Guard) InstallPackage(ctx context.Context, name string) error {
	if !g.cfg.NetworkPolicy.Allows(name) {
		return fmt.Errorf("%w: %q", ErrPackageNotAllowed, name)
	}
	if !g.ops.TryAcquire(1) {
		return ErrBusy
	}
	defer g.ops.Release(1)
	if err := g.ensureLive(); err != nil {
		return err
	}
	return g.backend.InstallPackage(ctx, name)
}

// Terminate releases backend resources. It is idempotent and bounded by
// the configured grace period regardless of the caller's context.
func (g *Guard) Terminate(ctx context.Context) error {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return nil
	}
	g.terminated = true
	g.mu.Unlock()

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.TerminateGrace)
	defer cancel()
	return g.backend.Terminate(tctx)
}

// kill forcibly releases the backend, ignoring the outcome. Used on the
// timeout path where the result is already decided.
func (g *Guard) kill() {
	_ = g.Terminate(context.Background())
}

func (g *Guard) ensureLive() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return ErrTerminated
	}
	if !g.started {
		return ErrNotStarted
	}
	return nil
}

// collectArtifacts diffs the working directory against the pre-execution
// snapshot and classifies each new file. Failures become warnings on the
// result; they never fail the execution.
func (g *Guard) collectArtifacts(ctx context.Context, before []string, res *ExecutionResult) {
	if g.processor == nil {
		return
	}
	after, err := g.backend.ListFiles(ctx, g.cfg.WorkingDir)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("list working directory: %v", err))
		return
	}
	known := make(map[string]struct{}, len(before))
	for _, name := range before {
		known[name] = struct{}{}
	}
	for _, name := range after {
		if _, ok := known[name]; ok {
			continue
		}
		data, err := g.fetch(ctx, name)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("retrieve artifact %s: %v", name, err))
			continue
		}
		ref, err := g.processor.Process(ctx, name, data)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("artifact %s: %v", name, err))
			continue
		}
		res.Artifacts = append(res.Artifacts, ref)
	}
}

func (g *Guard) fetch(ctx context.Context, name string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "sandbox-artifact-")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	remote := path.Join(g.cfg.WorkingDir, name)
	if err := g.backend.Download(ctx, remote, tmpPath); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpPath)
}

var _ Runtime = (*Guard)(nil)
