package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/agenthq/agenthq/internal/auth"
	"github.com/agenthq/agenthq/internal/config"
	"github.com/agenthq/agenthq/internal/hub"
	"github.com/agenthq/agenthq/internal/logger"
	"github.com/agenthq/agenthq/internal/server"
	"github.com/agenthq/agenthq/internal/state"
)

func serveCmd() *cobra.Command {
	var addrFlag string
	var settingsFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agenthq server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(settingsFlag)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				settings.Addr = addrFlag
			}

			if err := logger.Init(settings.Logging.Level, settings.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			if err := os.MkdirAll(settings.Workspace, 0755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}
			cfg, err := config.Load(settings.Workspace)
			if err != nil {
				return err
			}

			authStore, err := auth.Open(settings.AuthDB)
			if err != nil {
				return fmt.Errorf("open auth db: %w", err)
			}
			defer authStore.Close()

			envs := state.NewEnvironmentStore()
			repos := state.NewRepoStore(settings.Workspace)
			worktrees := state.NewWorktreeStore()
			procs := state.NewProcessStore()

			repos.LoadExtra()
			if err := repos.ScanLocal(); err != nil {
				logger.Warn("initial workspace scan failed", "err", err)
			}
			for _, r := range repos.All() {
				worktrees.RegisterMain(r.Name, r.Path, r.DefaultBranch, r.EnvID)
			}

			h := hub.New(cfg, envs, repos, worktrees, procs)
			srv := server.New(cfg, authStore, h, envs, repos, worktrees, procs)

			httpSrv := &http.Server{
				Addr:    settings.Addr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			go func() {
				if err := repos.Watch(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("workspace watcher stopped", "err", err)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("agenthq listening", "addr", settings.Addr, "workspace", settings.Workspace)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides agenthq.yaml)")
	cmd.Flags().StringVar(&settingsFlag, "config", "agenthq.yaml", "path to the settings file")

	return cmd
}
