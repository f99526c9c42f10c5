package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"sandboxd/artifact"
	"sandboxd/audit"
	"sandboxd/config"
	"sandboxd/runtime"
	"sandboxd/storage"
)

// ErrSessionNotFound is returned for operations on an unknown or already
// terminated session id.
var ErrSessionNotFound = errors.New("session: not found")

// Manager orchestrates session lifecycle: get-or-create, execute-class
// operations, explicit close, idle reaping, and shutdown. Store, Notifier,
// and Log may be replaced after New and before Start.
type Manager struct {
	Config  config.Config
	Factory *runtime.Factory

	// Store receives external artifacts.
	Store storage.Store
	// Notifier is told about code before it executes. Fire-and-forget.
	Notifier audit.Notifier
	Log      *slog.Logger

	registry *Registry
	boots    singleflight.Group

	mu     sync.Mutex
	reaper *Reaper
}

func New(cfg config.Config, factory *runtime.Factory) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("adapter factory required")
	}
	return &Manager{
		Config:   cfg,
		Factory:  factory,
		Store:    storage.NewMemoryStore(),
		Notifier: audit.NopNotifier{},
		Log:      slog.Default(),
		registry: NewRegistry(),
	}, nil
}

// Start launches the background reaper. Idempotent.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reaper != nil {
		return nil
	}
	r := NewReaper(m.registry, m.Config.ReaperInterval, m.Log)
	if err := r.Start(); err != nil {
		return err
	}
	m.reaper = r
	return nil
}

// GetOrCreate returns the live session under id, booting one if absent.
// Concurrent callers racing on a new id trigger exactly one backend boot
// and all observe the same session, or the same provisioning failure.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id required")
	}
	for {
		if s, ok := m.registry.Get(id); ok && s.live() {
			s.touch()
			return s, nil
		}
		v, err, _ := m.boots.Do(id, func() (any, error) {
			return m.boot(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		s := v.(*Session)
		if s.live() {
			s.touch()
			return s, nil
		}
		// Reaped between boot and observation. Go around again.
	}
}

func (m *Manager) boot(ctx context.Context, id string) (*Session, error) {
	// Double-check under the flight: a racer may have finished booting
	// just before we were admitted.
	if s, ok := m.registry.Get(id); ok && s.live() {
		return s, nil
	}

	m.Log.Info("creating session", "session_id", id, "backend", m.Config.Backend)
	processor := artifact.NewProcessor(m.Store, id, m.Config.ArtifactSizeLimit, m.Log)
	adapter, err := m.Factory.New(m.Config, processor)
	if err != nil {
		return nil, err
	}

	s := newSession(id, m.Config, adapter)
	if err := adapter.Start(ctx); err != nil {
		// Fatal for this creation attempt; release anything half-booted
		// and leave no registry entry behind. No automatic retry.
		_ = adapter.Terminate(context.Background())
		m.Log.Error("session provisioning failed", "session_id", id, "error", err)
		return nil, err
	}
	s.setState(StateWarm)
	s.touch()
	m.registry.Put(s)
	return s, nil
}

// withSession runs fn holding the session's exclusive slot, with the
// Warm→Executing→Warm transition and touch-on-success. A session reaped
// between lookup and acquisition is retried with a fresh boot.
func (m *Manager) withSession(ctx context.Context, id string, fn func(ctx context.Context, s *Session) error) error {
	for {
		s, err := m.GetOrCreate(ctx, id)
		if err != nil {
			return err
		}
		if !s.tryAcquire() {
			return runtime.ErrBusy
		}
		if !s.live() {
			s.release()
			continue
		}
		s.setState(StateExecuting)
		err = fn(ctx, s)
		if s.State() == StateExecuting {
			s.setState(StateWarm)
		}
		if err == nil {
			s.touch()
		}
		s.release()
		return err
	}
}

// Execute runs code in the session, notifying the audit sidecar first.
// On timeout the session is terminated as a side effect and the partial
// result is returned alongside the error.
func (m *Manager) Execute(ctx context.Context, id string, lang runtime.Language, code string) (runtime.ExecutionResult, error) {
	var res runtime.ExecutionResult
	err := m.withSession(ctx, id, func(ctx context.Context, s *Session) error {
		m.notifyAudit(id, code)
		r, err := s.adapter.Execute(ctx, code, lang)
		res = r
		if errors.Is(err, runtime.ErrExecutionTimeout) {
			s.setState(StateTerminated)
			m.registry.Remove(id)
			m.Log.Warn("execution timed out, session terminated",
				"session_id", id, "limit", s.Config.MaxExecutionTime)
		}
		return err
	})
	return res, err
}

// InstallPackage installs a package in the session. It is an
// execute-class operation and shares the session's serialization.
func (m *Manager) InstallPackage(ctx context.Context, id, name string) error {
	return m.withSession(ctx, id, func(ctx context.Context, s *Session) error {
		return s.adapter.InstallPackage(ctx, name)
	})
}

// Upload injects a local file into the session working directory.
func (m *Manager) Upload(ctx context.Context, id, localPath, remotePath string) error {
	return m.withSession(ctx, id, func(ctx context.Context, s *Session) error {
		return s.adapter.Upload(ctx, localPath, remotePath)
	})
}

// Download retrieves a session file to a local path.
func (m *Manager) Download(ctx context.Context, id, remotePath, localPath string) error {
	return m.withSession(ctx, id, func(ctx context.Context, s *Session) error {
		return s.adapter.Download(ctx, remotePath, localPath)
	})
}

// ListFiles lists file names under a session directory.
func (m *Manager) ListFiles(ctx context.Context, id, path string) ([]string, error) {
	var files []string
	err := m.withSession(ctx, id, func(ctx context.Context, s *Session) error {
		var err error
		files, err = s.adapter.ListFiles(ctx, path)
		return err
	})
	return files, err
}

// Close explicitly terminates a session and removes it from the registry.
// It waits for any in-flight operation to finish first.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.State() == StateTerminated {
		m.registry.Remove(id)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.setState(StateTerminating)
	err := s.adapter.Terminate(ctx)
	s.setState(StateTerminated)
	m.registry.Remove(id)
	if err != nil {
		return fmt.Errorf("terminate session %s: %w", id, err)
	}
	m.Log.Info("session closed", "session_id", id)
	return nil
}

// Shutdown stops the reaper and terminates every session in parallel,
// best-effort. Termination failures are logged, not raised. It returns
// once every termination has been attempted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	r := m.reaper
	m.reaper = nil
	m.mu.Unlock()
	if r != nil {
		r.Stop(ctx)
	}

	sessions := m.registry.Snapshot()
	m.Log.Info("shutting down session manager", "sessions", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.acquire(ctx); err != nil {
				m.Log.Warn("session still busy at shutdown, terminating anyway",
					"session_id", s.ID, "error", err)
			} else {
				defer s.release()
			}
			s.setState(StateTerminating)
			if err := s.adapter.Terminate(ctx); err != nil {
				m.Log.Error("terminate failed during shutdown",
					"session_id", s.ID, "error", err)
			}
			s.setState(StateTerminated)
			m.registry.Remove(s.ID)
			return nil
		})
	}
	return g.Wait()
}

// Sessions reports the number of live registry entries.
func (m *Manager) Sessions() int { return m.registry.Len() }

func (m *Manager) notifyAudit(id, code string) {
	notifier := m.Notifier
	if notifier == nil {
		return
	}
	hash := audit.CodeHash(code)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := notifier.Notify(ctx, id, hash, code); err != nil {
			m.Log.Warn("audit notify failed", "session_id", id, "code_hash", hash, "error", err)
		}
	}()
}
