package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenthq/agenthq/internal/config"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the shared daemon token",
	}
	cmd.AddCommand(tokenRotateCmd(), tokenShowCmd())
	return cmd
}

func tokenRotateCmd() *cobra.Command {
	var settingsFlag string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Generate and persist a fresh daemon token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig(settingsFlag)
			if err != nil {
				return err
			}
			b := make([]byte, 32)
			if _, err := rand.Read(b); err != nil {
				return err
			}
			tok := hex.EncodeToString(b)
			if err := cfg.SetDaemonAuthToken(tok); err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&settingsFlag, "config", "agenthq.yaml", "path to the settings file")
	return cmd
}

func tokenShowCmd() *cobra.Command {
	var settingsFlag string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current daemon token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig(settingsFlag)
			if err != nil {
				return err
			}
			tok := cfg.DaemonAuthToken()
			if tok == "" {
				return fmt.Errorf("no daemon token configured; run: agenthq token rotate")
			}
			fmt.Println(tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&settingsFlag, "config", "agenthq.yaml", "path to the settings file")
	return cmd
}

func loadWorkspaceConfig(settingsPath string) (*config.Store, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(settings.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return config.Load(settings.Workspace)
}
