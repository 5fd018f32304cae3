package main

import (
	"fmt"
	"os"
	"time"

	"labelrunner/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	addr       string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "labelrunner",
	Short: "labelrunner - return shipping label automation",
	Long: `labelrunner drives a browser through an order-management site to collect
demo-return shipping labels, then merges every collected label into one PDF
for batch printing.

Run "labelrunner serve" to start the worker and API. The remaining commands
talk to a running server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The watch TUI owns the terminal
		if cmd.Name() == "watch" {
			logger = zap.NewNop()
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serverAddr returns the API base URL, falling back to the configured listen address.
func serverAddr() string {
	if addr != "" {
		return addr
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "http://" + config.DefaultConfig().Server.Addr
	}
	return "http://" + cfg.Server.Addr
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "labelrunner.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "API base URL (default: from config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(printCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(clearFailedCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
