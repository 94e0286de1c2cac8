package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-ai/neon/internal/types"
)

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  float64
	}{
		{"percent string", "70%", 0.7},
		{"bare percentage", "70", 0.7},
		{"decimal float", 0.7, 0.7},
		{"decimal string", "0.7", 0.7},
		{"float32", float32(0.5), 0.5},
		{"int percentage", 85, 0.85},
		{"boundary one", 1.0, 1.0},
		{"boundary zero", 0.0, 0.0},
		{"boundary hundred", "100", 1.0},
		{"whitespace", "  70%  ", 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseThreshold(tt.input)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseThresholdRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"above hundred", 150},
		{"negative string", "-5"},
		{"empty string", ""},
		{"non-numeric", "abc"},
		{"negative float", -0.1},
		{"unsupported type", []string{"0.7"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseThreshold(tt.input)
			require.Error(t, err)

			var typed *types.Error
			require.ErrorAs(t, err, &typed)
			assert.Equal(t, types.INVALID_THRESHOLD, typed.Code)
			assert.False(t, typed.Retryable)
		})
	}
}

func TestThresholdResolutionOrder(t *testing.T) {
	global := 0.5
	cfg := &ThresholdConfig{
		Global:  &global,
		PerTest: map[string]float64{"exact_match": 0.9},
	}

	// Per-test override wins over global.
	assert.Equal(t, 0.9, Threshold("exact_match", cfg))
	// Global wins over environment and hardcoded defaults.
	assert.Equal(t, 0.5, Threshold("contains", cfg))
}

func TestThresholdEnvironmentDefault(t *testing.T) {
	t.Setenv(EnvThreshold, "80%")
	assert.InDelta(t, 0.8, Threshold("anything", nil), 1e-9)
}

func TestThresholdInvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv(EnvThreshold, "not-a-number")
	assert.Equal(t, DefaultThreshold, Threshold("anything", nil))
}

func TestThresholdHardcodedDefault(t *testing.T) {
	t.Setenv(EnvThreshold, "")
	assert.Equal(t, DefaultThreshold, Threshold("anything", nil))
}

func TestEvaluateThreshold(t *testing.T) {
	global := 0.6
	cfg := &ThresholdConfig{Global: &global}

	passed := EvaluateThreshold(0.6, "contains", cfg)
	assert.True(t, passed.Passed, "score equal to threshold passes")
	assert.Contains(t, passed.Reason, "passed")

	failed := EvaluateThreshold(0.59, "contains", cfg)
	assert.False(t, failed.Passed)
	assert.Contains(t, failed.Reason, "failed")
}

func TestEvaluateAll(t *testing.T) {
	global := 0.5
	cfg := &ThresholdConfig{Global: &global}

	scores := []ScoreResult{
		{Name: "a", Value: 0.9},
		{Name: "b", Value: 0.2},
		{Name: "c", Value: 0.5},
	}

	eval := EvaluateAll(scores, cfg)
	assert.False(t, eval.Passed)
	require.Len(t, eval.Results, 3)
	assert.Equal(t, "a", eval.Results[0].Name)
	assert.True(t, eval.Results[0].Passed)
	assert.False(t, eval.Results[1].Passed)
	assert.True(t, eval.Results[2].Passed)
	assert.Equal(t, ThresholdSummary{Total: 3, Passed: 2, Failed: 1}, eval.Summary)
}

func TestMeanScore(t *testing.T) {
	assert.Equal(t, 0.0, MeanScore(nil))
	assert.InDelta(t, 0.5, MeanScore([]ScoreResult{{Value: 0.2}, {Value: 0.8}}), 1e-9)
	assert.Equal(t, 1.0, MeanScore([]ScoreResult{{Value: 1}, {Value: 1}}))
}

func TestWeightedMean(t *testing.T) {
	results := []ScoreResult{
		{Name: "accuracy", Value: 1.0},
		{Name: "style", Value: 0.0},
	}

	assert.Equal(t, 0.0, WeightedMean(nil, map[string]float64{"accuracy": 2}))

	// No weights behaves like MeanScore.
	assert.InDelta(t, 0.5, WeightedMean(results, nil), 1e-9)

	assert.InDelta(t, 0.75, WeightedMean(results, map[string]float64{
		"accuracy": 3,
		"style":    1,
	}), 1e-9)

	// Scorers without a weight default to 1.
	assert.InDelta(t, 2.0/3.0, WeightedMean(results, map[string]float64{
		"accuracy": 2,
	}), 1e-9)

	assert.Equal(t, 0.0, WeightedMean(results, map[string]float64{
		"accuracy": 0,
		"style":    0,
	}))
}

func TestThresholdStore(t *testing.T) {
	s := NewThresholdStore()
	assert.Nil(t, s.Get("ws"))

	global := 0.4
	s.Set("ws", &ThresholdConfig{Global: &global})
	require.NotNil(t, s.Get("ws"))
	assert.Equal(t, 0.4, *s.Get("ws").Global)

	s.SetTestThreshold("ws", "exact_match", 0.95)
	assert.Equal(t, 0.95, s.Get("ws").PerTest["exact_match"])

	// Upsert into a workspace that has no config yet.
	s.SetTestThreshold("other", "contains", 0.3)
	assert.Equal(t, 0.3, s.Get("other").PerTest["contains"])

	s.Delete("ws")
	assert.Nil(t, s.Get("ws"))
}
