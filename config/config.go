// Package config holds the runtime configuration consumed at session
// creation. A Config is snapshotted into each Session and is immutable
// from then on.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds selectable via Config.Backend.
const (
	BackendDocker  = "docker"
	BackendMicroVM = "microvm"
)

// PolicyMode controls sandbox egress.
type PolicyMode string

const (
	// PolicyNone disables all egress, including package installs.
	PolicyNone PolicyMode = "none"
	// PolicyAllowlist permits only the listed package-index entries.
	PolicyAllowlist PolicyMode = "allowlist"
)

// NetworkPolicy is the egress policy applied to a sandbox at boot.
type NetworkPolicy struct {
	Mode  PolicyMode
	Allow []string
}

// Allows reports whether a package install request passes the policy.
func (p NetworkPolicy) Allows(name string) bool {
	if p.Mode != PolicyAllowlist {
		return false
	}
	for _, entry := range p.Allow {
		if entry == name {
			return true
		}
	}
	return false
}

// DockerConfig configures the local-container backend.
type DockerConfig struct {
	// Host is the path to the Docker daemon unix socket.
	Host string
	// Image is the container image booted per session.
	Image string
}

// MicroVMConfig configures the remote-microVM backend.
type MicroVMConfig struct {
	APIURL   string
	APIKey   string
	Template string
}

// StorageConfig points at the signing service handing out upload URLs for
// oversized artifacts. Unset means artifacts stay in process memory.
type StorageConfig struct {
	SignerURL string
	Token     string
}

// Config drives session provisioning and enforcement behavior.
type Config struct {
	// Backend is the backend kind to boot sessions on.
	Backend string
	// IdleTimeout is how long a Warm session may sit unused before the
	// reaper terminates it.
	IdleTimeout time.Duration
	// ReaperInterval is the period between reaper sweeps.
	ReaperInterval time.Duration
	// MaxMemory caps sandbox memory, in bytes.
	MaxMemory int64
	// MaxCPU caps sandbox CPU, in vCPUs.
	MaxCPU float64
	// MaxExecutionTime is the supervising wall-clock limit per execute.
	MaxExecutionTime time.Duration
	// TerminateGrace bounds how long a best-effort terminate may take.
	TerminateGrace time.Duration
	// NetworkPolicy is the egress policy for the sandbox.
	NetworkPolicy NetworkPolicy
	// WorkingDir is the directory code runs in and paths are confined to.
	WorkingDir string
	// ArtifactSizeLimit rejects produced files larger than this, in bytes.
	ArtifactSizeLimit int64
	// AuditEndpoint, when set, receives pre-execution notifications.
	AuditEndpoint string
	// AuditToken authenticates against the audit sidecar.
	AuditToken string

	Docker  DockerConfig
	MicroVM MicroVMConfig
	Storage StorageConfig
}

// Defaults returns a safe baseline configuration.
func Defaults() Config {
	return Config{
		Backend:           BackendDocker,
		IdleTimeout:       300 * time.Second,
		ReaperInterval:    30 * time.Second,
		MaxMemory:         512 << 20,
		MaxCPU:            1.0,
		MaxExecutionTime:  60 * time.Second,
		TerminateGrace:    10 * time.Second,
		NetworkPolicy:     NetworkPolicy{Mode: PolicyNone},
		WorkingDir:        "/home/sandbox",
		ArtifactSizeLimit: 10 << 20,
		Docker: DockerConfig{
			Host:  "/var/run/docker.sock",
			Image: "python:3.12-slim",
		},
	}
}

// Validate ensures the config is usable.
func (c Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("backend required")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be > 0")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be > 0")
	}
	if c.MaxExecutionTime <= 0 {
		return fmt.Errorf("max execution time must be > 0")
	}
	if c.MaxMemory <= 0 {
		return fmt.Errorf("max memory must be > 0")
	}
	if c.MaxCPU <= 0 {
		return fmt.Errorf("max cpu must be > 0")
	}
	if c.WorkingDir == "" || c.WorkingDir[0] != '/' {
		return fmt.Errorf("working dir must be absolute")
	}
	switch c.NetworkPolicy.Mode {
	case PolicyNone, PolicyAllowlist:
	default:
		return fmt.Errorf("unknown network policy %q", c.NetworkPolicy.Mode)
	}
	if c.Backend == BackendMicroVM && c.MicroVM.APIKey == "" {
		return fmt.Errorf("microvm backend requires an API key")
	}
	return nil
}

// fileConfig is the on-disk YAML shape. Durations are parsed from strings
// so config files can say "300s" or "5m".
type fileConfig struct {
	Backend          string   `yaml:"backend"`
	IdleTimeout      string   `yaml:"idle_timeout"`
	ReaperInterval   string   `yaml:"reaper_interval"`
	MaxMemory        int64    `yaml:"max_memory"`
	MaxCPU           float64  `yaml:"max_cpu"`
	MaxExecutionTime string   `yaml:"max_execution_time"`
	TerminateGrace   string   `yaml:"terminate_grace"`
	NetworkPolicy    struct {
		Mode  string   `yaml:"mode"`
		Allow []string `yaml:"allow"`
	} `yaml:"network_policy"`
	WorkingDir        string `yaml:"working_dir"`
	ArtifactSizeLimit int64  `yaml:"artifact_size_limit"`
	AuditEndpoint     string `yaml:"audit_endpoint"`
	Storage           struct {
		SignerURL string `yaml:"signer_url"`
	} `yaml:"storage"`
	Docker struct {
		Host  string `yaml:"host"`
		Image string `yaml:"image"`
	} `yaml:"docker"`
	MicroVM struct {
		APIURL   string `yaml:"api_url"`
		APIKey   string `yaml:"api_key"`
		Template string `yaml:"template"`
	} `yaml:"microvm"`
}

// Load reads a YAML config file on top of Defaults, applies SANDBOX_*
// environment overrides for credentials, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.apply(&cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.Backend != "" {
		cfg.Backend = fc.Backend
	}
	if err := setDuration(&cfg.IdleTimeout, fc.IdleTimeout, "idle_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReaperInterval, fc.ReaperInterval, "reaper_interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.MaxExecutionTime, fc.MaxExecutionTime, "max_execution_time"); err != nil {
		return err
	}
	if err := setDuration(&cfg.TerminateGrace, fc.TerminateGrace, "terminate_grace"); err != nil {
		return err
	}
	if fc.MaxMemory != 0 {
		cfg.MaxMemory = fc.MaxMemory
	}
	if fc.MaxCPU != 0 {
		cfg.MaxCPU = fc.MaxCPU
	}
	if fc.NetworkPolicy.Mode != "" {
		cfg.NetworkPolicy = NetworkPolicy{
			Mode:  PolicyMode(fc.NetworkPolicy.Mode),
			Allow: fc.NetworkPolicy.Allow,
		}
	}
	if fc.WorkingDir != "" {
		cfg.WorkingDir = fc.WorkingDir
	}
	if fc.ArtifactSizeLimit != 0 {
		cfg.ArtifactSizeLimit = fc.ArtifactSizeLimit
	}
	if fc.AuditEndpoint != "" {
		cfg.AuditEndpoint = fc.AuditEndpoint
	}
	if fc.Docker.Host != "" {
		cfg.Docker.Host = fc.Docker.Host
	}
	if fc.Docker.Image != "" {
		cfg.Docker.Image = fc.Docker.Image
	}
	if fc.MicroVM.APIURL != "" {
		cfg.MicroVM.APIURL = fc.MicroVM.APIURL
	}
	if fc.MicroVM.APIKey != "" {
		cfg.MicroVM.APIKey = fc.MicroVM.APIKey
	}
	if fc.MicroVM.Template != "" {
		cfg.MicroVM.Template = fc.MicroVM.Template
	}
	if fc.Storage.SignerURL != "" {
		cfg.Storage.SignerURL = fc.Storage.SignerURL
	}
	return nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

// applyEnv resolves credentials once, at load time. Secrets never travel
// through config files in deployments.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SANDBOX_MICROVM_API_KEY"); v != "" {
		cfg.MicroVM.APIKey = v
	}
	if v := os.Getenv("SANDBOX_DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("SANDBOX_AUDIT_ENDPOINT"); v != "" {
		cfg.AuditEndpoint = v
	}
	if v := os.Getenv("SANDBOX_AUDIT_TOKEN"); v != "" {
		cfg.AuditToken = v
	}
	if v := os.Getenv("SANDBOX_STORAGE_TOKEN"); v != "" {
		cfg.Storage.Token = v
	}
}
