// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/furgen-fcs/dependency-agent/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the agent's resolved configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// newConfigShowCmd prints the configuration the agent would run with,
// resolved entirely from the environment (there is no on-disk config
// file to init or point at). Secrets are redacted.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the environment-resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv)
			if err != nil {
				return fmt.Errorf("resolve configuration: %w", err)
			}

			fmt.Printf("apiBaseURL:          %s\n", cfg.APIBaseURL)
			fmt.Printf("serverType:          %s\n", cfg.ServerType)
			fmt.Printf("sharedSecret:        %s\n", redact(cfg.SharedSecret))
			fmt.Printf("hfToken:             %s\n", redact(cfg.HFToken))
			fmt.Printf("civitaiToken:        %s\n", redact(cfg.CivitaiToken))
			fmt.Printf("instanceID:          %s\n", cfg.InstanceID)
			fmt.Printf("instanceIP:          %s\n", cfg.InstanceIP)
			fmt.Printf("workspace:           %s\n", cfg.Workspace)
			fmt.Printf("comfyUIDir:          %s\n", cfg.ComfyUIDir)
			fmt.Printf("statePath:           %s\n", cfg.StatePath)
			fmt.Printf("pollSeconds:         %d\n", cfg.PollSeconds)
			fmt.Printf("heartbeatSecs:       %d\n", cfg.HeartbeatSecs)
			fmt.Printf("maxParallel:         %d\n", cfg.MaxParallel)
			fmt.Printf("allowedDomains:      %v\n", cfg.AllowedDomains)
			fmt.Printf("downloadTimeoutSecs: %d\n", cfg.DownloadTimeoutSecs)
			fmt.Printf("downloadChunkMiB:    %d\n", cfg.DownloadChunkMiB)
			fmt.Printf("verboseProgress:     %v\n", cfg.VerboseProgress)
			fmt.Printf("diagAddr:            %s\n", cfg.DiagAddr)

			if cfg.EvictionEnabled != nil {
				fmt.Printf("eviction.enabled:    %v\n", *cfg.EvictionEnabled)
			}
			if cfg.MinFreeBytes != nil {
				fmt.Printf("eviction.minFree:    %d\n", *cfg.MinFreeBytes)
			}
			if cfg.MaxDynamicBytes != nil {
				fmt.Printf("eviction.maxDynamic: %d\n", *cfg.MaxDynamicBytes)
			}
			if cfg.EvictionBatchMax != nil {
				fmt.Printf("eviction.batchMax:   %d\n", *cfg.EvictionBatchMax)
			}
			if cfg.PinTTLSeconds != nil {
				fmt.Printf("eviction.pinTTLSecs: %d\n", *cfg.PinTTLSeconds)
			}

			return nil
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
