package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd, backendsCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("backend:             %s\n", cfg.Backend)
		fmt.Printf("idle_timeout:        %s\n", cfg.IdleTimeout)
		fmt.Printf("reaper_interval:     %s\n", cfg.ReaperInterval)
		fmt.Printf("max_memory:          %d\n", cfg.MaxMemory)
		fmt.Printf("max_cpu:             %.2f\n", cfg.MaxCPU)
		fmt.Printf("max_execution_time:  %s\n", cfg.MaxExecutionTime)
		fmt.Printf("terminate_grace:     %s\n", cfg.TerminateGrace)
		fmt.Printf("network_policy:      %s\n", cfg.NetworkPolicy.Mode)
		fmt.Printf("working_dir:         %s\n", cfg.WorkingDir)
		fmt.Printf("artifact_size_limit: %d\n", cfg.ArtifactSizeLimit)
		if cfg.AuditEndpoint != "" {
			fmt.Printf("audit_endpoint:      %s\n", cfg.AuditEndpoint)
		}
		if cfg.Storage.SignerURL != "" {
			fmt.Printf("storage_signer:      %s\n", cfg.Storage.SignerURL)
		}
		return nil
	},
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List available sandbox backends",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("docker   local containers via the Docker Engine API")
		fmt.Println("microvm  remote microVMs via a hosted provisioning service")
	},
}
