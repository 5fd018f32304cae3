package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labelrunner/internal/app"
	"labelrunner/internal/config"
	"labelrunner/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd runs the worker, scheduler and API in the foreground
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job processor, scheduler and HTTP API",
	Long: `Starts the long-running worker. It connects to (or launches) Chrome,
recovers jobs interrupted by a previous run, processes the queue on a schedule
and whenever a job is enqueued, and serves the HTTP API used by the other
commands.

Example:
  LABELRUNNER_SITE_URL=https://shop.example labelrunner serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logging.Initialize(cfg.Logging)
	if err != nil {
		return err
	}
	logger = log
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if err := a.Browser.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Info("labelrunner started",
		zap.String("site", cfg.Site.BaseURL),
		zap.String("store", cfg.Store.Backend),
		zap.String("addr", cfg.Server.Addr),
		zap.String("control_url", a.Browser.ControlURL()))

	if err := a.Serve(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "labelrunner stopped")
	return nil
}
