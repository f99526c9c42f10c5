// Package runtime defines the adapter contract between the session layer
// and the sandbox backends, together with the enforcement rules shared by
// every backend: start-once, busy rejection, supervising execution
// timeouts, path confinement, and package allowlisting.
package runtime

import (
	"context"
	"fmt"
)

// Language selects the interpreter invoked for Execute.
type Language string

const (
	Python Language = "python"
	Bash   Language = "bash"
	R      Language = "r"
)

// Command returns the argv that runs code under this language.
func (l Language) Command(code string) ([]string, error) {
	switch l {
	case Python:
		return []string{"python3", "-c", code}, nil
	case Bash:
		return []string{"bash", "-c", code}, nil
	case R:
		return []string{"Rscript", "-e", code}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, string(l))
}

// Runtime is the capability contract consumed by the session manager. The
// Guard returned by the Factory is the only implementation; it layers the
// enforcement rules over a backend so they are written once, not per
// backend.
type Runtime interface {
	// Start boots the backend. Calling Start twice is an error.
	Start(ctx context.Context) error
	// Execute runs code in the backend working directory under the
	// configured wall-clock limit and returns captured output plus any
	// produced artifacts. A second Execute while one is in flight fails
	// with ErrBusy.
	Execute(ctx context.Context, code string, lang Language) (ExecutionResult, error)
	// Upload injects a local file into the sandbox working directory.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Download retrieves a sandbox file to a local path.
	Download(ctx context.Context, remotePath, localPath string) error
	// ListFiles lists file names under a sandbox directory.
	ListFiles(ctx context.Context, path string) ([]string, error)
	// InstallPackage installs a package, subject to the network policy.
	InstallPackage(ctx context.Context, name string) error
	// Terminate releases backend resources. Idempotent and best-effort;
	// bounded by the configured grace period.
	Terminate(ctx context.Context) error
}

// Backend is implemented per substrate. Backends run commands and move
// files; they do not enforce serialization, timeouts, or path policy —
// that is the Guard's job.
type Backend interface {
	Name() string
	Start(ctx context.Context) error
	Execute(ctx context.Context, argv []string) (ExecutionResult, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	ListFiles(ctx context.Context, path string) ([]string, error)
	InstallPackage(ctx context.Context, name string) error
	Terminate(ctx context.Context) error
}

// OutputProvider is an optional backend interface exposing whatever output
// has been captured so far. The Guard consults it when an execution is
// forcibly aborted and partial output is all there is.
type OutputProvider interface {
	Stdout() []byte
	Stderr() []byte
}

// ArtifactProcessor classifies one produced file into a FileReference.
// Implemented by the artifact package; injected per session.
type ArtifactProcessor interface {
	Process(ctx context.Context, filename string, data []byte) (FileReference, error)
}
