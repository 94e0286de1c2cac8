package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ExactMatchScorer scores 1 when the output equals the expected string
// after trimming surrounding whitespace, 0 otherwise.
type ExactMatchScorer struct{}

func (ExactMatchScorer) Name() string { return "exact_match" }

func (ExactMatchScorer) Evaluate(ctx context.Context, rec *Record, expected string) (Score, error) {
	if strings.TrimSpace(rec.Output) == strings.TrimSpace(expected) {
		return Score{Value: 1, Reason: "output matches expected exactly"}, nil
	}
	return Score{Value: 0, Reason: "output does not match expected"}, nil
}

// ContainsScorer scores 1 when the output contains the expected substring,
// case-insensitively.
type ContainsScorer struct{}

func (ContainsScorer) Name() string { return "contains" }

func (ContainsScorer) Evaluate(ctx context.Context, rec *Record, expected string) (Score, error) {
	if expected == "" {
		return Score{}, fmt.Errorf("contains scorer requires an expected substring")
	}
	if strings.Contains(strings.ToLower(rec.Output), strings.ToLower(expected)) {
		return Score{Value: 1, Reason: "output contains expected substring"}, nil
	}
	return Score{Value: 0, Reason: "output missing expected substring"}, nil
}

// RegexScorer scores 1 when the output matches the expected pattern.
type RegexScorer struct{}

func (RegexScorer) Name() string { return "regex" }

func (RegexScorer) Evaluate(ctx context.Context, rec *Record, expected string) (Score, error) {
	if expected == "" {
		return Score{}, fmt.Errorf("regex scorer requires an expected pattern")
	}
	re, err := regexp.Compile(expected)
	if err != nil {
		return Score{}, fmt.Errorf("invalid regex pattern: %w", err)
	}
	if re.MatchString(rec.Output) {
		return Score{Value: 1, Reason: "output matches pattern"}, nil
	}
	return Score{Value: 0, Reason: "output does not match pattern"}, nil
}

// JSONValidScorer scores 1 when the output parses as JSON.
type JSONValidScorer struct{}

func (JSONValidScorer) Name() string { return "json_valid" }

func (JSONValidScorer) Evaluate(ctx context.Context, rec *Record, expected string) (Score, error) {
	var v any
	if err := json.Unmarshal([]byte(rec.Output), &v); err != nil {
		return Score{Value: 0, Reason: "output is not valid JSON: " + err.Error()}, nil
	}
	return Score{Value: 1, Reason: "output is valid JSON"}, nil
}
