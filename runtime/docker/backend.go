// Package docker runs sandboxes as long-lived containers against the
// Docker Engine API. One container per session, kept alive by a sleep
// process; every operation is an exec or archive call against it.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"sandboxd/config"
	"sandboxd/runtime"
)

// Backend drives one container for the lifetime of a session.
type Backend struct {
	cfg config.Config
	api *apiClient

	containerID string
	name        string

	// Output of the exec in flight, readable mid-execution when a
	// timed-out run is killed with partial output.
	outMu  sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func New(cfg config.Config) *Backend {
	return &Backend{
		cfg:  cfg,
		api:  newAPIClient(cfg.Docker.Host),
		name: "sandbox-" + uuid.NewString()[:8],
	}
}

func (b *Backend) Name() string { return "docker" }

type containerCreateRequest struct {
	Image      string     `json:"Image"`
	Cmd        []string   `json:"Cmd"`
	WorkingDir string     `json:"WorkingDir"`
	HostConfig hostConfig `json:"HostConfig"`
}

type hostConfig struct {
	Memory      int64  `json:"Memory,omitempty"`
	NanoCpus    int64  `json:"NanoCpus,omitempty"`
	NetworkMode string `json:"NetworkMode,omitempty"`
}

// Start creates and starts the session container. The container idles on
// sleep; user code runs through exec so the container survives between
// executions.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.api.ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}

	networkMode := ""
	if b.cfg.NetworkPolicy.Mode == config.PolicyNone {
		networkMode = "none"
	}
	req := containerCreateRequest{
		Image:      b.cfg.Docker.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: b.cfg.WorkingDir,
		HostConfig: hostConfig{
			Memory:      b.cfg.MaxMemory,
			NanoCpus:    int64(b.cfg.MaxCPU * 1e9),
			NetworkMode: networkMode,
		},
	}
	var created struct {
		ID string `json:"Id"`
	}
	if err := b.api.call(ctx, http.MethodPost, "/containers/create?"+query("name", b.name), req, &created); err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	b.containerID = created.ID

	if err := b.api.call(ctx, http.MethodPost, "/containers/"+b.containerID+"/start", nil, nil); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	// Images differ on whether WorkingDir exists; make sure it does.
	if _, _, _, err := b.exec(ctx, []string{"mkdir", "-p", b.cfg.WorkingDir}); err != nil {
		return fmt.Errorf("prepare working directory: %w", err)
	}
	return nil
}

func (b *Backend) Execute(ctx context.Context, argv []string) (runtime.ExecutionResult, error) {
	start := time.Now()
	stdout, stderr, exitCode, err := b.exec(ctx, argv)
	if err != nil {
		return runtime.ExecutionResult{
			Stdout: stdout,
			Stderr: stderr,
		}, err
	}
	return runtime.ExecutionResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

type execCreateRequest struct {
	Cmd          []string `json:"Cmd"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	WorkingDir   string   `json:"WorkingDir"`
}

// exec runs argv inside the container, streaming output into the capture
// buffers as it arrives.
func (b *Backend) exec(ctx context.Context, argv []string) (stdout, stderr string, exitCode int, err error) {
	var created struct {
		ID string `json:"Id"`
	}
	err = b.api.call(ctx, http.MethodPost, "/containers/"+b.containerID+"/exec", execCreateRequest{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   b.cfg.WorkingDir,
	}, &created)
	if err != nil {
		return "", "", 0, fmt.Errorf("create exec: %w", err)
	}

	b.outMu.Lock()
	b.stdout.Reset()
	b.stderr.Reset()
	b.outMu.Unlock()

	resp, err := b.api.do(ctx, http.MethodPost, "/exec/"+created.ID+"/start",
		"application/json", strings.NewReader(`{"Detach":false,"Tty":false}`))
	if err != nil {
		return "", "", 0, fmt.Errorf("start exec: %w", err)
	}
	defer resp.Body.Close()

	streamErr := demux(resp.Body, lockedWriter{b, &b.stdout}, lockedWriter{b, &b.stderr})

	b.outMu.Lock()
	stdout = b.stdout.String()
	stderr = b.stderr.String()
	b.outMu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout, stderr, 0, ctxErr
	}
	if streamErr != nil {
		return stdout, stderr, 0, fmt.Errorf("read exec output: %w", streamErr)
	}

	var inspect struct {
		ExitCode int  `json:"ExitCode"`
		Running  bool `json:"Running"`
	}
	if err := b.api.call(ctx, http.MethodGet, "/exec/"+created.ID+"/json", nil, &inspect); err != nil {
		return stdout, stderr, 0, fmt.Errorf("inspect exec: %w", err)
	}
	return stdout, stderr, inspect.ExitCode, nil
}

// lockedWriter serializes stream writes with OutputProvider reads.
type lockedWriter struct {
	b   *Backend
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.b.outMu.Lock()
	defer w.b.outMu.Unlock()
	return w.buf.Write(p)
}

func (b *Backend) Stdout() []byte {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return append([]byte(nil), b.stdout.Bytes()...)
}

func (b *Backend) Stderr() []byte {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return append([]byte(nil), b.stderr.Bytes()...)
}

// Upload ships a local file into the container as a gzipped tar archive.
func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}

	dir, file := path.Split(remotePath)
	if dir == "" {
		dir = b.cfg.WorkingDir
	}
	archive, err := tarball(file, data)
	if err != nil {
		return err
	}

	resp, err := b.api.do(ctx, http.MethodPut,
		"/containers/"+b.containerID+"/archive?"+query("path", dir),
		"application/x-tar", archive)
	if err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	resp.Body.Close()
	return nil
}

// Download pulls a container file, delivered by the daemon as a tar
// archive, to a local path.
func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	resp, err := b.api.do(ctx, http.MethodGet,
		"/containers/"+b.containerID+"/archive?"+query("path", remotePath), "", nil)
	if err != nil {
		if statusIs(err, http.StatusNotFound) {
			return fmt.Errorf("%w: %s", runtime.ErrNotFound, remotePath)
		}
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	defer resp.Body.Close()

	data, err := untarFirst(resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (b *Backend) ListFiles(ctx context.Context, dir string) ([]string, error) {
	if dir == "" {
		dir = b.cfg.WorkingDir
	}
	stdout, stderr, exitCode, err := b.exec(ctx, []string{"ls", "-1", dir})
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", dir, strings.TrimSpace(stderr))
	}
	var files []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (b *Backend) InstallPackage(ctx context.Context, name string) error {
	_, stderr, exitCode, err := b.exec(ctx, []string{"pip", "install", "--quiet", name})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("install %s: exit %d: %s", name, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Terminate force-removes the container and its volumes. Safe to call
// repeatedly and on containers already gone.
func (b *Backend) Terminate(ctx context.Context) error {
	if b.containerID == "" {
		return nil
	}
	err := b.api.call(ctx, http.MethodDelete,
		"/containers/"+b.containerID+"?"+query("force", "1", "v", "1"), nil, nil)
	if err != nil && !statusIs(err, http.StatusNotFound, http.StatusConflict) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// tarball wraps one file in a gzipped tar stream.
func tarball(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// untarFirst returns the content of the first regular file in a tar
// stream.
func untarFirst(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive holds no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

var _ runtime.Backend = (*Backend)(nil)
var _ runtime.OutputProvider = (*Backend)(nil)
