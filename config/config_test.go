package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, BackendDocker, cfg.Backend)
	require.Equal(t, 300*time.Second, cfg.IdleTimeout)
	require.Equal(t, int64(512<<20), cfg.MaxMemory)
	require.Equal(t, 60*time.Second, cfg.MaxExecutionTime)
	require.Equal(t, "/home/sandbox", cfg.WorkingDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty backend", func(c *Config) { c.Backend = "" }},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }},
		{"zero exec time", func(c *Config) { c.MaxExecutionTime = 0 }},
		{"negative memory", func(c *Config) { c.MaxMemory = -1 }},
		{"zero cpu", func(c *Config) { c.MaxCPU = 0 }},
		{"relative workdir", func(c *Config) { c.WorkingDir = "sandbox" }},
		{"bad policy", func(c *Config) { c.NetworkPolicy.Mode = "open" }},
		{"microvm without key", func(c *Config) { c.Backend = BackendMicroVM }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestAllowlist(t *testing.T) {
	p := NetworkPolicy{Mode: PolicyAllowlist, Allow: []string{"numpy", "pandas"}}
	require.True(t, p.Allows("numpy"))
	require.False(t, p.Allows("requests"))

	none := NetworkPolicy{Mode: PolicyNone}
	require.False(t, none.Allows("numpy"))
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	body := `
backend: microvm
idle_timeout: 2m
max_execution_time: 30s
network_policy:
  mode: allowlist
  allow: [numpy]
working_dir: /workspace
microvm:
  api_url: https://vm.example.test
  api_key: test-key
  template: py312
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendMicroVM, cfg.Backend)
	require.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	require.Equal(t, 30*time.Second, cfg.MaxExecutionTime)
	require.Equal(t, PolicyAllowlist, cfg.NetworkPolicy.Mode)
	require.Equal(t, "/workspace", cfg.WorkingDir)
	require.Equal(t, "py312", cfg.MicroVM.Template)
	// Untouched fields keep their defaults.
	require.Equal(t, 30*time.Second, cfg.ReaperInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: microvm\nmicrovm:\n  api_key: from-file\n"), 0o644))

	t.Setenv("SANDBOX_MICROVM_API_KEY", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.MicroVM.APIKey)
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idle_timeout: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
