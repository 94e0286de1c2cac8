package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/neon-ai/neon/internal/scoring"
)

// Validator validates configuration values.
type Validator interface {
	Validate(cfg *Config) error
}

type validatorImpl struct {
	validate *validator.Validate
}

// NewValidator creates a Validator backed by struct tag validation.
func NewValidator() Validator {
	return &validatorImpl{validate: validator.New()}
}

// Validate checks struct tags plus the cross-field rules tags cannot
// express, returning every violation in one error.
func (v *validatorImpl) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := v.validate.Struct(cfg); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validation error: %w", err)
		}
		messages := make([]string, 0, len(validationErrs))
		for _, e := range validationErrs {
			messages = append(messages, formatValidationError(e))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}

	if cfg.Scoring.Threshold != "" {
		if _, err := scoring.ParseThreshold(cfg.Scoring.Threshold); err != nil {
			return fmt.Errorf("scoring.threshold: %w", err)
		}
	}

	if cfg.Retry.InitialInterval < 0 || cfg.Retry.AttemptTimeout < 0 {
		return fmt.Errorf("retry intervals must not be negative")
	}

	if cfg.Notify.ScoreThreshold != nil {
		t := *cfg.Notify.ScoreThreshold
		if t < 0 || t > 1 {
			return fmt.Errorf("notify.score_threshold %v out of range [0, 1]", t)
		}
	}

	return nil
}

func formatValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
