// Package session owns the sandbox session lifecycle: a registry of live
// sessions, a manager orchestrating get-or-create / execute / close /
// shutdown, and a background reaper terminating idle sessions.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"sandboxd/config"
	"sandboxd/runtime"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateProvisioning State = iota
	StateWarm
	StateExecuting
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateWarm:
		return "warm"
	case StateExecuting:
		return "executing"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Session binds a caller-chosen identifier to one sandbox adapter. The
// adapter is exclusively owned by the session and destroyed with it.
type Session struct {
	ID string
	// Config is the resource/network policy snapshot taken at creation.
	Config config.Config

	adapter runtime.Runtime

	// ops serializes execute-class operations and reaping. TryAcquire
	// gives rejection semantics instead of silent queueing.
	ops *semaphore.Weighted

	mu       sync.Mutex
	state    State
	lastUsed time.Time
}

func newSession(id string, cfg config.Config, adapter runtime.Runtime) *Session {
	return &Session{
		ID:       id,
		Config:   cfg,
		adapter:  adapter,
		ops:      semaphore.NewWeighted(1),
		state:    StateProvisioning,
		lastUsed: time.Now(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// LastUsedAt reports when the session last completed an operation.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// live reports whether the session can still serve requests.
func (s *Session) live() bool {
	st := s.State()
	return st != StateTerminating && st != StateTerminated
}

func (s *Session) tryAcquire() bool { return s.ops.TryAcquire(1) }

func (s *Session) acquire(ctx context.Context) error { return s.ops.Acquire(ctx, 1) }

func (s *Session) release() { s.ops.Release(1) }
