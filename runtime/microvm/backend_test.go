package microvm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sandboxd/config"
	"sandboxd/runtime"
)

type fakeProvider struct {
	t *testing.T

	createReq map[string]any
	commands  [][]string
	files     map[string][]byte
	released  bool

	cmdResp commandResponse
}

func (p *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(r *http.Request) {
		require.Equal(p.t, "key-123", r.Header.Get("X-API-Key"))
	}
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&p.createReq))
		json.NewEncoder(w).Encode(map[string]string{"sandbox_id": "vm-1"})
	})
	mux.HandleFunc("POST /sandboxes/vm-1/commands", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		var req struct {
			Argv []string `json:"argv"`
		}
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		p.commands = append(p.commands, req.Argv)
		json.NewEncoder(w).Encode(p.cmdResp)
	})
	mux.HandleFunc("POST /sandboxes/vm-1/files", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		require.NoError(p.t, json.NewDecoder(r.Body).Decode(&req))
		data, err := base64.StdEncoding.DecodeString(req.Content)
		require.NoError(p.t, err)
		p.files[req.Path] = data
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /sandboxes/vm-1/files", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		data, ok := p.files[r.URL.Query().Get("path")]
		if !ok {
			http.Error(w, "no such file", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"content": base64.StdEncoding.EncodeToString(data),
		})
	})
	mux.HandleFunc("GET /sandboxes/vm-1/files/list", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		names := make([]string, 0, len(p.files))
		for name := range p.files {
			names = append(names, filepath.Base(name))
		}
		json.NewEncoder(w).Encode(map[string][]string{"files": names})
	})
	mux.HandleFunc("DELETE /sandboxes/vm-1", func(w http.ResponseWriter, r *http.Request) {
		auth(r)
		if p.released {
			http.Error(w, "unknown sandbox", http.StatusNotFound)
			return
		}
		p.released = true
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func testBackend(t *testing.T, p *fakeProvider) *Backend {
	t.Helper()
	p.t = t
	if p.files == nil {
		p.files = map[string][]byte{}
	}
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Backend = config.BackendMicroVM
	cfg.MicroVM.APIURL = srv.URL
	cfg.MicroVM.APIKey = "key-123"
	cfg.MicroVM.Template = "python-data"
	return New(cfg)
}

func TestStartProvisionsFromTemplate(t *testing.T) {
	p := &fakeProvider{}
	b := testBackend(t, p)

	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, "vm-1", b.sandboxID)
	require.Equal(t, "python-data", p.createReq["template"])
	require.Equal(t, "/home/sandbox", p.createReq["working_dir"])
	require.Equal(t, false, p.createReq["network_enabled"])
}

func TestExecuteRunsCommand(t *testing.T) {
	p := &fakeProvider{cmdResp: commandResponse{Stdout: "ok\n", Stderr: "w\n", ExitCode: 2}}
	b := testBackend(t, p)
	require.NoError(t, b.Start(context.Background()))

	res, err := b.Execute(context.Background(), []string{"python3", "-c", "x"})
	require.NoError(t, err)
	require.Equal(t, "ok\n", res.Stdout)
	require.Equal(t, "w\n", res.Stderr)
	require.Equal(t, 2, res.ExitCode)
	require.Equal(t, [][]string{{"python3", "-c", "x"}}, p.commands)

	require.Equal(t, []byte("ok\n"), b.Stdout())
	require.Equal(t, []byte("w\n"), b.Stderr())
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	p := &fakeProvider{}
	b := testBackend(t, p)
	require.NoError(t, b.Start(context.Background()))

	dir := t.TempDir()
	local := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(local, []byte("a,b\n"), 0o644))

	require.NoError(t, b.Upload(context.Background(), local, "/home/sandbox/in.csv"))
	require.Equal(t, []byte("a,b\n"), p.files["/home/sandbox/in.csv"])

	out := filepath.Join(dir, "out.csv")
	require.NoError(t, b.Download(context.Background(), "/home/sandbox/in.csv", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, []byte("a,b\n"), data)

	files, err := b.ListFiles(context.Background(), "/home/sandbox")
	require.NoError(t, err)
	require.Equal(t, []string{"in.csv"}, files)
}

func TestDownloadMissing(t *testing.T) {
	p := &fakeProvider{}
	b := testBackend(t, p)
	require.NoError(t, b.Start(context.Background()))

	err := b.Download(context.Background(), "/home/sandbox/nope", filepath.Join(t.TempDir(), "x"))
	require.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestInstallPackageFailure(t *testing.T) {
	p := &fakeProvider{cmdResp: commandResponse{Stderr: "no matching distribution", ExitCode: 1}}
	b := testBackend(t, p)
	require.NoError(t, b.Start(context.Background()))

	err := b.InstallPackage(context.Background(), "nosuchpkg")
	require.ErrorContains(t, err, "no matching distribution")
	require.Equal(t, [][]string{{"pip", "install", "--quiet", "nosuchpkg"}}, p.commands)
}

func TestTerminateIdempotent(t *testing.T) {
	p := &fakeProvider{}
	b := testBackend(t, p)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Terminate(context.Background()))
	require.True(t, p.released)
	require.NoError(t, b.Terminate(context.Background()))
}
