package scoring

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine runs a requested set of scorers against one execution record.
//
// Scorers are isolated from each other: a scorer that errors or panics is
// recorded as {value: 0, reason: error, passed: false} and never aborts the
// remaining scorers or the case. Results are returned in request order.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for scorer failures.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an engine over the given scorer registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates every requested scorer against the record. An unknown
// scorer name is reported the same way as a failing scorer: a zero score
// carrying the lookup error, so one misconfigured name does not sink the
// case.
func (e *Engine) Run(ctx context.Context, names []string, rec *Record, expected string) []ScoreResult {
	results := make([]ScoreResult, 0, len(names))

	for _, name := range names {
		results = append(results, e.runOne(ctx, name, rec, expected))
	}

	return results
}

func (e *Engine) runOne(ctx context.Context, name string, rec *Record, expected string) (result ScoreResult) {
	result = ScoreResult{Name: name}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scorer panicked", "scorer", name, "case_id", rec.CaseID, "panic", r)
			result = ScoreResult{Name: name, Value: 0, Reason: fmt.Sprintf("scorer panicked: %v", r)}
		}
	}()

	scorer, err := e.registry.Get(name)
	if err != nil {
		e.logger.Warn("scorer lookup failed", "scorer", name, "error", err)
		result.Reason = err.Error()
		return result
	}

	score, err := scorer.Evaluate(ctx, rec, expected)
	if err != nil {
		e.logger.Warn("scorer failed", "scorer", name, "case_id", rec.CaseID, "error", err)
		result.Reason = err.Error()
		return result
	}

	result.Value = clamp(score.Value)
	result.Reason = score.Reason
	return result
}
