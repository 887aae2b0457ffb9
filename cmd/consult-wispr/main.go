package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/consult-wispr/internal/app"
	"github.com/sjawhar/consult-wispr/internal/config"
	"github.com/sjawhar/consult-wispr/internal/logging"
)

const drainTimeout = 30 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "consult-wispr",
		Short: "Chunked consultation recording, transcription and summaries",
		Long: `consult-wispr accepts audio chunks from a recorder, transcribes them as they
arrive and writes a consultation summary once every chunk is done.

The three roles can run as separate processes against shared storage and a
shared queue, or together with 'consult-wispr all'.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "consult-wispr.yaml", "path to YAML config file")

	rootCmd.AddCommand(
		roleCmd("serve", "Serve the HTTP API", &configPath, func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		}),
		roleCmd("notifier", "Publish new chunks from the session change feed", &configPath, func(ctx context.Context, a *app.App) error {
			return a.RunNotifier(ctx)
		}),
		roleCmd("worker", "Transcribe queued chunks", &configPath, func(ctx context.Context, a *app.App) error {
			return a.RunWorkers(ctx, drainTimeout)
		}),
		roleCmd("all", "Run the API, notifier and workers in one process", &configPath, runAll),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func roleCmd(use, short string, configPath *string, run func(ctx context.Context, a *app.App) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, logger, err := setup(ctx, *configPath, use)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("close failed", "error", err)
				}
			}()

			logger.Info("consult-wispr starting", "role", use)
			if err := run(ctx, a); err != nil {
				logger.Error("consult-wispr stopped", "role", use, "error", err)
				return err
			}
			logger.Info("consult-wispr stopped", "role", use)
			return nil
		},
	}
}

func setup(ctx context.Context, configPath, role string) (*app.App, *slog.Logger, error) {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}
	for _, w := range cfg.RoleWarnings(role) {
		logger.Warn("role", "role", role, "warning", w)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("start: %w", err)
	}
	return a, logger, nil
}

func runAll(ctx context.Context, a *app.App) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Serve(ctx) })
	g.Go(func() error { return a.RunNotifier(ctx) })
	g.Go(func() error { return a.RunWorkers(ctx, drainTimeout) })
	return g.Wait()
}
