package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Loader loads configuration from YAML files.
type Loader interface {
	Load(path string) (*Config, error)
	LoadWithDefaults(path string) (*Config, error)
}

type viperLoader struct {
	validator Validator
}

// NewLoader creates a Loader that validates with the given validator.
func NewLoader(validator Validator) Loader {
	return &viperLoader{validator: validator}
}

// Load reads configuration from the given file, interpolating ${VAR}
// references from the environment, and validates the result.
func (l *viperLoader) Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setViperDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	interpolated := interpolateEnvVars(v.AllSettings())
	iv := viper.New()
	if m, ok := interpolated.(map[string]any); ok {
		if err := iv.MergeConfigMap(m); err != nil {
			return nil, fmt.Errorf("failed to merge interpolated config: %w", err)
		}
	}
	setViperDefaults(iv)

	var cfg Config
	if err := iv.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.validator.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults behaves like Load, but a missing file yields the default
// configuration instead of an error.
func (l *viperLoader) LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := l.validator.Validate(cfg); err != nil {
			return nil, fmt.Errorf("default configuration validation failed: %w", err)
		}
		return cfg, nil
	}
	return l.Load(path)
}

func setViperDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("core.home_dir", def.Core.HomeDir)
	v.SetDefault("core.data_dir", def.Core.DataDir)
	v.SetDefault("core.parallelism", def.Core.Parallelism)
	v.SetDefault("core.max_iterations", def.Core.MaxIterations)
	v.SetDefault("core.run_timeout", def.Core.RunTimeout)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.max_connections", def.Store.MaxConnections)
	v.SetDefault("store.busy_timeout", def.Store.BusyTimeout)
	v.SetDefault("llm.default_provider", def.LLM.DefaultProvider)
	v.SetDefault("retry.max_attempts", def.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", def.Retry.InitialInterval)
	v.SetDefault("retry.attempt_timeout", def.Retry.AttemptTimeout)
	v.SetDefault("scoring.workspace", def.Scoring.Workspace)
	v.SetDefault("notify.notify_on_failure", true)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("events.buffer_size", def.Events.BufferSize)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolateEnvVars recursively replaces ${VAR} references with environment
// values. Unset variables are left verbatim so validation can flag them.
func interpolateEnvVars(data any) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = interpolateEnvVars(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, value := range v {
			result[i] = interpolateEnvVars(value)
		}
		return result
	case string:
		return envVarPattern.ReplaceAllStringFunc(v, func(match string) string {
			name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
