// Package scoring converts agent execution records into named quality
// scores and pass/fail decisions under configurable thresholds.
package scoring

import (
	"context"
	"time"

	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/types"
)

// Record is the execution record a scorer evaluates: the case input, the
// agent's final output, and the full interaction history behind it.
type Record struct {
	CaseID   types.ID      `json:"case_id"`
	TraceID  string        `json:"trace_id,omitempty"`
	Input    string        `json:"input"`
	Output   string        `json:"output"`
	Messages []llm.Message `json:"messages,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Scorer produces a quality value in [0, 1] plus an explanation for one
// case. Rule-based scorers are pure; judge scorers may call a model.
type Scorer interface {
	// Name returns the unique scorer name used in datasets and results.
	Name() string

	// Evaluate scores one execution record against the expected output.
	// Expected may be empty for scorers that do not need a reference.
	Evaluate(ctx context.Context, rec *Record, expected string) (Score, error)
}

// Score is a raw scorer output before threshold evaluation.
type Score struct {
	// Value is the quality score in [0, 1].
	Value float64 `json:"value"`

	// Reason explains the score in human-readable form.
	Reason string `json:"reason,omitempty"`
}

// ScoreResult is one named, threshold-evaluated score. Immutable once
// produced.
type ScoreResult struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason,omitempty"`
	Passed bool    `json:"passed"`
}

// MeanScore returns the arithmetic mean of score values, 0 if none.
func MeanScore(results []ScoreResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Value
	}
	return sum / float64(len(results))
}

// WeightedMean returns the weighted mean of score values. Scores without a
// weight entry default to weight 1; with no weights at all this reduces to
// MeanScore. Returns 0 when there are no scores or all weights are zero.
func WeightedMean(results []ScoreResult, weights map[string]float64) float64 {
	if len(results) == 0 {
		return 0
	}
	if len(weights) == 0 {
		return MeanScore(results)
	}

	var sum, total float64
	for _, r := range results {
		w, ok := weights[r.Name]
		if !ok {
			w = 1
		}
		sum += r.Value * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// clamp bounds a scorer value into [0, 1].
func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
