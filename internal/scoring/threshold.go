package scoring

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/neon-ai/neon/internal/types"
)

// EnvThreshold is the environment variable providing the process-wide
// default pass threshold.
const EnvThreshold = "NEON_THRESHOLD"

// DefaultThreshold is the hardcoded fallback when no other source applies.
const DefaultThreshold = 0.7

// ThresholdConfig configures pass thresholds for a run or a single call.
// Resolution priority: per-test override, then Global, then the
// NEON_THRESHOLD environment default, then DefaultThreshold.
type ThresholdConfig struct {
	// Global applies to every test without a per-test override.
	Global *float64 `json:"global,omitempty"`

	// PerTest maps test (scorer) names to threshold overrides.
	PerTest map[string]float64 `json:"per_test,omitempty"`
}

// ParseThreshold normalizes a threshold given as a decimal ("0.7", 0.85) or
// a percentage ("70", "70%"). Values above 1 are treated as percentages and
// divided by 100; values above 100 or below 0 are rejected.
func ParseThreshold(input any) (float64, error) {
	var v float64

	switch t := input.(type) {
	case float64:
		v = t
	case float32:
		v = float64(t)
	case int:
		v = float64(t)
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if s == "" {
			return 0, types.NewError(types.INVALID_THRESHOLD, "threshold cannot be empty")
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, types.WrapError(types.INVALID_THRESHOLD, "invalid threshold value: "+t, err)
		}
		v = parsed
	default:
		return 0, types.NewError(types.INVALID_THRESHOLD, fmt.Sprintf("unsupported threshold type %T", input))
	}

	if v < 0 || v > 100 {
		return 0, types.NewError(types.INVALID_THRESHOLD, fmt.Sprintf("threshold %v out of range [0, 100]", v))
	}

	if v > 1 {
		v /= 100
	}
	return v, nil
}

// Threshold resolves the effective threshold for a test name. An invalid
// environment default is logged and skipped rather than surfaced; this
// function never fails.
func Threshold(testName string, cfg *ThresholdConfig) float64 {
	if cfg != nil {
		if t, ok := cfg.PerTest[testName]; ok {
			return t
		}
		if cfg.Global != nil {
			return *cfg.Global
		}
	}

	if env := os.Getenv(EnvThreshold); env != "" {
		t, err := ParseThreshold(env)
		if err != nil {
			slog.Warn("invalid threshold in environment, using default",
				"env", EnvThreshold, "value", env, "default", DefaultThreshold, "error", err)
		} else {
			return t
		}
	}

	return DefaultThreshold
}

// ThresholdResult is the pass/fail decision for one named score.
type ThresholdResult struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Reason    string  `json:"reason"`
}

// EvaluateThreshold decides pass/fail for one score: passed when the score
// meets or exceeds the resolved threshold.
func EvaluateThreshold(score float64, testName string, cfg *ThresholdConfig) ThresholdResult {
	threshold := Threshold(testName, cfg)
	passed := score >= threshold

	verdict := "failed"
	if passed {
		verdict = "passed"
	}

	return ThresholdResult{
		Name:      testName,
		Score:     score,
		Threshold: threshold,
		Passed:    passed,
		Reason:    fmt.Sprintf("%s: score %.3f %s threshold %.3f", testName, score, verdict, threshold),
	}
}

// ThresholdSummary aggregates an EvaluateAll pass.
type ThresholdSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Evaluation is the result of evaluating every score in a set.
type Evaluation struct {
	// Passed is true only when every score passed its threshold.
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
	Summary ThresholdSummary  `json:"summary"`
}

// EvaluateAll evaluates every named score against its resolved threshold,
// preserving input order.
func EvaluateAll(scores []ScoreResult, cfg *ThresholdConfig) Evaluation {
	eval := Evaluation{
		Passed:  true,
		Results: make([]ThresholdResult, 0, len(scores)),
	}

	for _, s := range scores {
		res := EvaluateThreshold(s.Value, s.Name, cfg)
		eval.Results = append(eval.Results, res)
		eval.Summary.Total++
		if res.Passed {
			eval.Summary.Passed++
		} else {
			eval.Summary.Failed++
			eval.Passed = false
		}
	}

	return eval
}
