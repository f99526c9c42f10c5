// Package artifact classifies files produced during sandbox executions
// and turns them into FileReferences: images come back inline, everything
// else is pushed to object storage behind a signed URL.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"sandboxd/runtime"
	"sandboxd/storage"
)

// ErrTooLarge marks a produced file above the configured size cap. The
// file is omitted from the artifact list; the caller records a warning.
var ErrTooLarge = errors.New("artifact: exceeds size cap")

// UploadError wraps a storage failure for one artifact. The execution
// result is still returned; the artifact is omitted and the failure
// recorded.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload artifact %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Processor classifies artifacts for one session. It remembers content
// fingerprints so an unchanged file across iterative executions is not
// uploaded twice.
type Processor struct {
	store     storage.Store
	sessionID string
	sizeLimit int64
	log       *slog.Logger

	mu   sync.Mutex
	seen map[[32]byte]runtime.FileReference
}

// NewProcessor builds a per-session processor. sizeLimit <= 0 disables
// the cap.
func NewProcessor(store storage.Store, sessionID string, sizeLimit int64, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:     store,
		sessionID: sessionID,
		sizeLimit: sizeLimit,
		log:       log,
		seen:      map[[32]byte]runtime.FileReference{},
	}
}

// Process classifies one produced file. Images are returned inline; other
// kinds (and unrecognized files) are uploaded and returned as external
// references.
func (p *Processor) Process(ctx context.Context, filename string, data []byte) (runtime.FileReference, error) {
	size := int64(len(data))
	if p.sizeLimit > 0 && size > p.sizeLimit {
		return runtime.FileReference{}, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrTooLarge, filename, size, p.sizeLimit)
	}

	mimeType := mime.TypeByExtension(path.Ext(filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if strings.HasPrefix(mimeType, "image/") {
		ref := runtime.FileReference{
			ArtifactID: uuid.NewString(),
			Name:       filename,
			Kind:       runtime.FileInline,
			MIMEType:   mimeType,
			Size:       size,
			Data:       append([]byte(nil), data...),
		}
		return ref, nil
	}

	fingerprint := blake3.Sum256(data)
	p.mu.Lock()
	prev, dup := p.seen[fingerprint]
	p.mu.Unlock()
	if dup && prev.Name == filename {
		p.log.Debug("artifact content unchanged, skipping upload",
			"session_id", p.sessionID, "name", filename)
		return prev, nil
	}

	ref := runtime.FileReference{
		ArtifactID: uuid.NewString(),
		Name:       filename,
		Kind:       runtime.FileExternal,
		MIMEType:   mimeType,
		Size:       size,
	}
	key := fmt.Sprintf("%s/%s/%s", p.sessionID, ref.ArtifactID, filename)
	url, expiresAt, err := p.store.Put(ctx, data, key)
	if err != nil {
		return runtime.FileReference{}, &UploadError{Name: filename, Err: err}
	}
	ref.URL = url
	ref.ExpiresAt = expiresAt

	p.mu.Lock()
	p.seen[fingerprint] = ref
	p.mu.Unlock()
	return ref, nil
}

var _ runtime.ArtifactProcessor = (*Processor)(nil)
