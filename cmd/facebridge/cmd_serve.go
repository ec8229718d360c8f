package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/facebridge/internal/api"
	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/log"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen string
		warm   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its HTTP API",
		Long: "serve keeps a worker session open and exposes it over HTTP: commands,\n" +
			"run history, and a live event stream for `facebridge watch`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Enabled = true
				cfg.API.Listen = listen
			}
			if !cfg.API.Enabled {
				return withCode(exitConfig, fmt.Errorf("api.enabled is false; set it or pass --listen"))
			}
			return serve(cmd.Context(), cfg, warm)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen (enables the API)")
	cmd.Flags().BoolVar(&warm, "warm", false, "Launch the default profile's worker before accepting requests")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, warm bool) error {
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.logger.Warn("worker did not stop cleanly", "error", err)
		}
	}()

	rt.logger.Info("facebridge starting",
		"version", currentVersionInfo().Version,
		"config", cfg.SourcePath,
		"default_profile", cfg.Worker.DefaultProfile,
	)

	if warm {
		if err := rt.session.Start(ctx); err != nil {
			return withCode(exitWorker, fmt.Errorf("start worker: %w", err))
		}
		if err := rt.session.WaitReady(ctx); err != nil {
			return withCode(exitWorker, fmt.Errorf("worker not ready: %w", err))
		}
	}

	server := api.New(api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Auth.APIKey,
		CommandTimeout: cfg.Worker.RequestTimeout,
	}, rt.session, rt.runs, rt.hub, log.WithComponent("api"))
	if cfg.API.Auth.APIKey == "" {
		rt.logger.Warn("API authentication disabled", "listen", cfg.API.Listen)
	}

	rt.logger.Info("facebridge running (press Ctrl+C to stop)")
	err = server.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("api: %w", err)
	}
	rt.logger.Info("facebridge stopped")
	return nil
}
