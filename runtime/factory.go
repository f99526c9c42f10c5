package runtime

import (
	"fmt"
	"sync"

	"sandboxd/config"
)

// Constructor builds a backend from a config snapshot.
type Constructor func(cfg config.Config) (Backend, error)

// Factory maps backend kinds to constructors. The session manager asks it
// for one adapter per session; every adapter comes back wrapped in a
// Guard.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{constructors: map[string]Constructor{}}
}

// Register adds or replaces a constructor under a backend kind.
func (f *Factory) Register(kind string, fn Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = fn
}

// Kinds returns the registered backend kinds.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.constructors))
	for kind := range f.constructors {
		out = append(out, kind)
	}
	return out
}

// New builds a Guard-wrapped adapter for cfg.Backend. The processor
// receives the session's produced files; it may be nil.
func (f *Factory) New(cfg config.Config, processor ArtifactProcessor) (Runtime, error) {
	f.mu.RLock()
	fn, ok := f.constructors[cfg.Backend]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", cfg.Backend)
	}
	backend, err := fn(cfg)
	if err != nil {
		return nil, &ProvisionError{Backend: cfg.Backend, Err: err}
	}
	return NewGuard(backend, cfg, processor), nil
}
