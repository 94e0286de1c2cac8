// Package config loads and validates the process configuration from YAML
// with ${ENV_VAR} interpolation and sensible defaults.
package config

import (
	"time"

	"github.com/neon-ai/neon/internal/notify"
)

// Config is the root configuration for the evaluation orchestrator.
type Config struct {
	Core    CoreConfig    `mapstructure:"core" validate:"required"`
	Store   StoreConfig   `mapstructure:"store" validate:"required"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Scoring ScoringConfig `mapstructure:"scoring"`
	Notify  notify.Config `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
	Events  EventsConfig  `mapstructure:"events"`
}

// CoreConfig controls run admission and working directories.
type CoreConfig struct {
	HomeDir string `mapstructure:"home_dir"`
	DataDir string `mapstructure:"data_dir"`

	// Parallelism bounds concurrent eval cases per run.
	Parallelism int `mapstructure:"parallelism" validate:"min=1,max=256"`

	// MaxIterations caps the agent tool loop per run.
	MaxIterations int `mapstructure:"max_iterations" validate:"min=1,max=1000"`

	// RunTimeout bounds one whole eval run.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// StoreConfig configures the SQLite-backed durable store.
type StoreConfig struct {
	Path           string        `mapstructure:"path" validate:"required"`
	MaxConnections int           `mapstructure:"max_connections" validate:"min=1,max=100"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout"`
}

// LLMConfig configures the model providers.
type LLMConfig struct {
	// DefaultProvider selects the provider when a run does not name one.
	DefaultProvider string `mapstructure:"default_provider" validate:"omitempty,oneof=openai anthropic mock"`

	// DefaultModel is used when a run does not specify a model.
	DefaultModel string `mapstructure:"default_model"`

	// JudgeModel is the model used by the LLM judge scorer.
	JudgeModel string `mapstructure:"judge_model"`

	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
}

// RetryConfig bounds activity retries for model and tool calls.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
}

// ScoringConfig configures threshold resolution.
type ScoringConfig struct {
	// Workspace keys threshold overrides in the threshold store.
	Workspace string `mapstructure:"workspace"`

	// Threshold, when set, becomes the global threshold for every run.
	// Accepts decimals ("0.7") or percentages ("70", "70%").
	Threshold string `mapstructure:"threshold"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" validate:"min=0,max=100000"`
}
