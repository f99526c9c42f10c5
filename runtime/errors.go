package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a started adapter.
	ErrAlreadyStarted = errors.New("runtime: already started")
	// ErrNotStarted is returned by operations on an unstarted adapter.
	ErrNotStarted = errors.New("runtime: not started")
	// ErrBusy is returned when an operation is attempted while another
	// is in flight on the same adapter. Callers should retry after the
	// current call completes.
	ErrBusy = errors.New("runtime: busy")
	// ErrExecutionTimeout is returned when an execution exceeds the
	// configured wall-clock limit. The adapter is forcibly terminated as
	// a side effect and the result carries whatever output was captured.
	ErrExecutionTimeout = errors.New("runtime: execution timeout")
	// ErrPathViolation is returned before any I/O when a remote path
	// would resolve outside the working directory.
	ErrPathViolation = errors.New("runtime: path violation")
	// ErrPackageNotAllowed is returned when an install request falls
	// outside the network policy allowlist.
	ErrPackageNotAllowed = errors.New("runtime: package not allowed")
	// ErrNotFound is returned by Download when the remote file does not
	// exist.
	ErrNotFound = errors.New("runtime: file not found")
	// ErrUnsupportedLanguage is returned for languages outside
	// python/bash/r.
	ErrUnsupportedLanguage = errors.New("runtime: unsupported language")
)

// ProvisionError wraps a backend boot failure. It is fatal for that
// creation attempt; no retry happens automatically.
type ProvisionError struct {
	Backend string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s backend: %v", e.Backend, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
