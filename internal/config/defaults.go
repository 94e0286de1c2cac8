package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/neon-ai/neon/internal/notify"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir:       homeDir,
			DataDir:       filepath.Join(homeDir, "data"),
			Parallelism:   5,
			MaxIterations: 10,
			RunTimeout:    30 * time.Minute,
		},
		Store: StoreConfig{
			Path:           filepath.Join(homeDir, "neon.db"),
			MaxConnections: 10,
			BusyTimeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			AttemptTimeout:  60 * time.Second,
		},
		Scoring: ScoringConfig{
			Workspace: "default",
		},
		Notify: notify.NewConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Events: EventsConfig{
			BufferSize: 100,
		},
	}
}

func getDefaultHomeDir() string {
	if dir := os.Getenv("NEON_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".neon"
	}
	return filepath.Join(home, ".neon")
}
