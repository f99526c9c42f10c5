// Package microvm runs sandboxes on a hosted microVM provisioning
// service. Each session maps to one remote sandbox driven over a JSON
// HTTP API; the provider owns the hypervisor, this backend only speaks
// the control plane.
package microvm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"sandboxd/config"
	"sandboxd/runtime"
)

// Backend provisions and drives one remote microVM sandbox.
type Backend struct {
	cfg    config.Config
	client *http.Client
	base   string

	sandboxID string

	lastStdout string
	lastStderr string
}

func New(cfg config.Config) *Backend {
	return &Backend{
		cfg:    cfg,
		client: &http.Client{},
		base:   strings.TrimRight(cfg.MicroVM.APIURL, "/"),
	}
}

func (b *Backend) Name() string { return "microvm" }

// providerError carries the provider's status and message body.
type providerError struct {
	Status  int
	Message string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("microvm provider: status %d: %s", e.Status, e.Message)
}

func (b *Backend) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", b.cfg.MicroVM.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &providerError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isStatus(err error, status int) bool {
	var pe *providerError
	return errors.As(err, &pe) && pe.Status == status
}

type createRequest struct {
	Template       string  `json:"template"`
	MemoryBytes    int64   `json:"memory_bytes"`
	CPUs           float64 `json:"cpus"`
	NetworkEnabled bool    `json:"network_enabled"`
	WorkingDir     string  `json:"working_dir"`
}

// Start provisions the remote sandbox from the configured template.
func (b *Backend) Start(ctx context.Context) error {
	var created struct {
		SandboxID string `json:"sandbox_id"`
	}
	err := b.call(ctx, http.MethodPost, "/sandboxes", createRequest{
		Template:       b.cfg.MicroVM.Template,
		MemoryBytes:    b.cfg.MaxMemory,
		CPUs:           b.cfg.MaxCPU,
		NetworkEnabled: b.cfg.NetworkPolicy.Mode != config.PolicyNone,
		WorkingDir:     b.cfg.WorkingDir,
	}, &created)
	if err != nil {
		return fmt.Errorf("provision microvm: %w", err)
	}
	if created.SandboxID == "" {
		return fmt.Errorf("provision microvm: provider returned no sandbox id")
	}
	b.sandboxID = created.SandboxID
	return nil
}

type commandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (b *Backend) Execute(ctx context.Context, argv []string) (runtime.ExecutionResult, error) {
	start := time.Now()
	var resp commandResponse
	err := b.call(ctx, http.MethodPost, "/sandboxes/"+b.sandboxID+"/commands",
		map[string]any{"argv": argv}, &resp)
	if err != nil {
		return runtime.ExecutionResult{}, fmt.Errorf("run command: %w", err)
	}
	b.lastStdout = resp.Stdout
	b.lastStderr = resp.Stderr
	return runtime.ExecutionResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

func (b *Backend) Stdout() []byte { return []byte(b.lastStdout) }
func (b *Backend) Stderr() []byte { return []byte(b.lastStderr) }

func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}
	err = b.call(ctx, http.MethodPost, "/sandboxes/"+b.sandboxID+"/files", map[string]string{
		"path":    remotePath,
		"content": base64.StdEncoding.EncodeToString(data),
	}, nil)
	if err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	return nil
}

func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	var resp struct {
		Content string `json:"content"`
	}
	err := b.call(ctx, http.MethodGet,
		"/sandboxes/"+b.sandboxID+"/files?path="+url.QueryEscape(remotePath), nil, &resp)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%w: %s", runtime.ErrNotFound, remotePath)
		}
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		return fmt.Errorf("download %s: decode content: %w", remotePath, err)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (b *Backend) ListFiles(ctx context.Context, dir string) ([]string, error) {
	if dir == "" {
		dir = b.cfg.WorkingDir
	}
	var resp struct {
		Files []string `json:"files"`
	}
	err := b.call(ctx, http.MethodGet,
		"/sandboxes/"+b.sandboxID+"/files/list?path="+url.QueryEscape(dir), nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return resp.Files, nil
}

func (b *Backend) InstallPackage(ctx context.Context, name string) error {
	var resp commandResponse
	err := b.call(ctx, http.MethodPost, "/sandboxes/"+b.sandboxID+"/commands",
		map[string]any{"argv": []string{"pip", "install", "--quiet", name}}, &resp)
	if err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}
	if resp.ExitCode != 0 {
		return fmt.Errorf("install %s: exit %d: %s", name, resp.ExitCode, strings.TrimSpace(resp.Stderr))
	}
	return nil
}

// Terminate releases the remote sandbox. A sandbox the provider no longer
// knows counts as released.
func (b *Backend) Terminate(ctx context.Context) error {
	if b.sandboxID == "" {
		return nil
	}
	err := b.call(ctx, http.MethodDelete, "/sandboxes/"+b.sandboxID, nil, nil)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("release sandbox: %w", err)
	}
	return nil
}

var _ runtime.Backend = (*Backend)(nil)
var _ runtime.OutputProvider = (*Backend)(nil)
