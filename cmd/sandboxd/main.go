package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sandboxd/audit"
	"sandboxd/config"
	"sandboxd/runtime"
	"sandboxd/runtime/docker"
	"sandboxd/runtime/microvm"
	"sandboxd/session"
	"sandboxd/storage"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "sandboxd",
	Short:         "Run untrusted code in ephemeral sandboxes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
}

func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.Defaults()
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
		return cfg, nil
	}
	return config.Load(configPath)
}

// newManager builds a started Manager with every backend registered and
// the optional storage/audit integrations wired from config.
func newManager() (*session.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	factory := runtime.NewFactory()
	factory.Register(config.BackendDocker, func(cfg config.Config) (runtime.Backend, error) {
		return docker.New(cfg), nil
	})
	factory.Register(config.BackendMicroVM, func(cfg config.Config) (runtime.Backend, error) {
		return microvm.New(cfg), nil
	})

	m, err := session.New(cfg, factory)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.SignerURL != "" {
		m.Store = storage.NewSignerStore(cfg.Storage.SignerURL, cfg.Storage.Token)
	}
	if cfg.AuditEndpoint != "" {
		m.Notifier = audit.NewHTTPNotifier(cfg.AuditEndpoint, cfg.AuditToken)
	}
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m, nil
}

// withManager runs fn against a fresh manager and always drains it.
func withManager(fn func(ctx context.Context, m *session.Manager) error) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	ctx := context.Background()
	runErr := fn(ctx, m)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
