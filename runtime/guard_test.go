package runtime_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/config"
	"sandboxd/runtime"
	"sandboxd/runtime/fake"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Backend = "fake"
	cfg.MaxExecutionTime = time.Second
	cfg.TerminateGrace = 100 * time.Millisecond
	return cfg
}

func startedGuard(t *testing.T, backend *fake.Backend, cfg config.Config, proc runtime.ArtifactProcessor) *runtime.Guard {
	t.Helper()
	g := runtime.NewGuard(backend, cfg, proc)
	require.NoError(t, g.Start(context.Background()))
	return g
}

// inlineProcessor returns every file as an inline reference, or an error
// for names it is told to fail.
type inlineProcessor struct {
	mu     sync.Mutex
	fail   map[string]error
	seen   []string
	serial int
}

func (p *inlineProcessor) Process(ctx context.Context, filename string, data []byte) (runtime.FileReference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[filename]; ok {
		return runtime.FileReference{}, err
	}
	p.serial++
	p.seen = append(p.seen, filename)
	return runtime.FileReference{
		Name: filename,
		Kind: runtime.FileInline,
		Data: append([]byte(nil), data...),
		Size: int64(len(data)),
	}, nil
}

func TestStartTwiceFails(t *testing.T) {
	g := runtime.NewGuard(&fake.Backend{}, testConfig(), nil)
	require.NoError(t, g.Start(context.Background()))
	require.ErrorIs(t, g.Start(context.Background()), runtime.ErrAlreadyStarted)
}

func TestExecuteBeforeStart(t *testing.T) {
	g := runtime.NewGuard(&fake.Backend{}, testConfig(), nil)
	_, err := g.Execute(context.Background(), "print(1)", runtime.Python)
	require.ErrorIs(t, err, runtime.ErrNotStarted)
}

func TestExecuteCapturesOutput(t *testing.T) {
	backend := &fake.Backend{StdoutData: "4\n", ExitCode: 0}
	g := startedGuard(t, backend, testConfig(), nil)

	res, err := g.Execute(context.Background(), "print(2 + 2)", runtime.Python)
	require.NoError(t, err)
	require.Equal(t, "4\n", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
	require.Greater(t, res.Duration, time.Duration(0))
}

func TestExecuteUnsupportedLanguage(t *testing.T) {
	g := startedGuard(t, &fake.Backend{}, testConfig(), nil)
	_, err := g.Execute(context.Background(), "puts 1", runtime.Language("ruby"))
	require.ErrorIs(t, err, runtime.ErrUnsupportedLanguage)
}

func TestConcurrentExecuteIsBusy(t *testing.T) {
	backend := &fake.Backend{ExecDelay: 500 * time.Millisecond}
	g := startedGuard(t, backend, testConfig(), nil)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := g.Execute(context.Background(), "slow", runtime.Bash)
		done <- err
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	_, err := g.Execute(context.Background(), "fast", runtime.Bash)
	require.ErrorIs(t, err, runtime.ErrBusy)
	require.NoError(t, <-done)
}

func TestExecuteTimeoutKillsBackend(t *testing.T) {
	cfg := testConfig()
	cfg.MaxExecutionTime = 50 * time.Millisecond
	backend := &fake.Backend{ExecDelay: 5 * time.Second, StdoutData: "partial"}
	g := startedGuard(t, backend, cfg, nil)

	res, err := g.Execute(context.Background(), "while true; do :; done", runtime.Bash)
	require.ErrorIs(t, err, runtime.ErrExecutionTimeout)
	require.Equal(t, -1, res.ExitCode)
	require.Equal(t, "partial", res.Stdout)
	require.True(t, backend.Terminated())
	require.Greater(t, res.Duration, time.Duration(0))
}

func TestUploadPathViolation(t *testing.T) {
	backend := &fake.Backend{}
	g := startedGuard(t, backend, testConfig(), nil)

	local := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	for _, remote := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		err := g.Upload(context.Background(), local, remote)
		require.ErrorIs(t, err, runtime.ErrPathViolation, "remote %q", remote)
	}
	files, err := g.ListFiles(context.Background(), ".")
	require.NoError(t, err)
	require.Empty(t, files, "no filesystem mutation on rejected upload")
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	backend := &fake.Backend{WorkingDir: "/home/sandbox"}
	g := startedGuard(t, backend, testConfig(), nil)

	dir := t.TempDir()
	local := filepath.Join(dir, "data.csv")
	payload := []byte("a,b\n1,2\n")
	require.NoError(t, os.WriteFile(local, payload, 0o644))

	require.NoError(t, g.Upload(context.Background(), local, "data.csv"))

	out := filepath.Join(dir, "out.csv")
	require.NoError(t, g.Download(context.Background(), "data.csv", out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDownloadMissingFile(t *testing.T) {
	g := startedGuard(t, &fake.Backend{WorkingDir: "/home/sandbox"}, testConfig(), nil)
	err := g.Download(context.Background(), "nope.txt", filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestInstallPackagePolicy(t *testing.T) {
	backend := &fake.Backend{}
	cfg := testConfig()
	cfg.NetworkPolicy = config.NetworkPolicy{Mode: config.PolicyNone}
	g := startedGuard(t, backend, cfg, nil)

	err := g.InstallPackage(context.Background(), "numpy")
	require.ErrorIs(t, err, runtime.ErrPackageNotAllowed)
	require.Empty(t, backend.Installed())

	cfg.NetworkPolicy = config.NetworkPolicy{Mode: config.PolicyAllowlist, Allow: []string{"numpy"}}
	g2 := startedGuard(t, backend, cfg, nil)
	require.NoError(t, g2.InstallPackage(context.Background(), "numpy"))
	require.Equal(t, []string{"numpy"}, backend.Installed())

	require.ErrorIs(t, g2.InstallPackage(context.Background(), "left-pad"), runtime.ErrPackageNotAllowed)
}

func TestArtifactsCollectedInDiscoveryOrder(t *testing.T) {
	backend := &fake.Backend{
		WorkingDir: "/home/sandbox",
		CreateOnExec: map[string][]byte{
			"plot.png":   []byte("\x89PNG fake"),
			"report.pdf": []byte("%PDF fake"),
		},
	}
	backend.Seed("existing.txt", []byte("was here before"))
	proc := &inlineProcessor{}
	g := startedGuard(t, backend, testConfig(), proc)

	res, err := g.Execute(context.Background(), "make_files()", runtime.Python)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 2, "pre-existing files are not artifacts")
	require.Equal(t, []string{"plot.png", "report.pdf"}, []string{res.Artifacts[0].Name, res.Artifacts[1].Name})
	require.Equal(t, []byte("\x89PNG fake"), res.Artifacts[0].Data)
}

func TestArtifactFailureBecomesWarning(t *testing.T) {
	backend := &fake.Backend{
		WorkingDir:   "/home/sandbox",
		CreateOnExec: map[string][]byte{"huge.bin": []byte("xxxx"), "ok.txt": []byte("ok")},
	}
	proc := &inlineProcessor{fail: map[string]error{"huge.bin": errors.New("exceeds size cap")}}
	g := startedGuard(t, backend, testConfig(), proc)

	res, err := g.Execute(context.Background(), "make_files()", runtime.Python)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, "ok.txt", res.Artifacts[0].Name)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "huge.bin")
}

func TestTerminateIdempotent(t *testing.T) {
	backend := &fake.Backend{}
	g := startedGuard(t, backend, testConfig(), nil)
	require.NoError(t, g.Terminate(context.Background()))
	require.True(t, backend.Terminated())
	require.NoError(t, g.Terminate(context.Background()))

	_, err := g.Execute(context.Background(), "print(1)", runtime.Python)
	require.ErrorIs(t, err, runtime.ErrTerminated)
}

func TestConfinePath(t *testing.T) {
	wd := "/home/sandbox"
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{".", wd, true},
		{"", wd, true},
		{"data.csv", wd + "/data.csv", true},
		{"sub/dir/f.txt", wd + "/sub/dir/f.txt", true},
		{"/home/sandbox/f.txt", wd + "/f.txt", true},
		{"..", "", false},
		{"../other", "", false},
		{"/etc/passwd", "", false},
		{"a/../../escape", "", false},
		{"/home/sandboxer/f.txt", "", false},
	}
	for _, tc := range cases {
		got, err := runtime.ConfinePath(wd, tc.in)
		if tc.ok {
			require.NoError(t, err, "path %q", tc.in)
			require.Equal(t, tc.want, got)
		} else {
			require.ErrorIs(t, err, runtime.ErrPathViolation, "path %q", tc.in)
		}
	}
}
