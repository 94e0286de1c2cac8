package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neon-ai/neon/internal/config"
)

var (
	configFile string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "neon",
	Short: "Neon - durable AI agent evaluation orchestrator",
	Long: `Neon evaluates AI agents against test datasets: it runs each case
through the agent tool loop (or a lightweight single model call), scores the
outputs, and decides pass/fail under configurable thresholds. Runs survive
process restarts without repeating completed model or tool calls.`,
	PersistentPreRunE: bootstrap,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

// bootstrap loads .env, the YAML config, and configures logging before any
// command runs.
func bootstrap(cmd *cobra.Command, _ []string) error {
	// Missing .env is fine; explicit config errors are not.
	_ = godotenv.Load()

	path := configFile
	if path == "" {
		if env := os.Getenv("NEON_CONFIG"); env != "" {
			path = env
		} else {
			path = filepath.Join(defaultHomeDir(), "config.yaml")
		}
	}

	loader := config.NewLoader(config.NewValidator())
	loaded, err := loader.LoadWithDefaults(path)
	if err != nil {
		return err
	}
	cfg = loaded

	setupLogging(cfg.Logging)
	return nil
}

func defaultHomeDir() string {
	if dir := os.Getenv("NEON_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".neon"
	}
	return filepath.Join(home, ".neon")
}

func setupLogging(lc config.LoggingConfig) {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(statusCmd)
}
