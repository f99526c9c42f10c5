package runtime

import "time"

// FileKind discriminates how an artifact is returned to the caller.
type FileKind string

const (
	// FileInline carries the raw bytes in the result.
	FileInline FileKind = "inline"
	// FileExternal carries a signed URL to externally stored content.
	FileExternal FileKind = "external"
)

// FileReference is one artifact produced or modified during an execution.
// Inline references carry Data and no URL; external references carry a
// URL and ExpiresAt and no Data.
type FileReference struct {
	ArtifactID string
	Name       string
	Kind       FileKind
	MIMEType   string
	Size       int64

	Data []byte

	URL       string
	ExpiresAt time.Time
}

// ExecutionResult is the outcome of one Execute call. Stdout and Stderr
// may be partial if the execution timed out; Duration is always populated.
// A non-zero ExitCode is data, not an error: it is what the user's code
// returned.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Artifacts are ordered by discovery.
	Artifacts []FileReference
	Duration  time.Duration
	// Warnings records processor-level conditions (oversized or
	// unuploadable artifacts) that must not be silently dropped.
	Warnings []string
}
