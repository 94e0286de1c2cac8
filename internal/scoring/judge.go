package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neon-ai/neon/internal/llm"
)

const judgeSystemPrompt = `You are an evaluation judge. Score the candidate
answer against the reference on a scale from 0.0 to 1.0, where 1.0 means the
answer is fully correct and complete. Respond with a JSON object of the form
{"score": <number>, "reason": "<short explanation>"} and nothing else.`

// JudgeScorer scores outputs by asking a model to grade them. Transient
// model failures surface as retryable errors; the engine isolates terminal
// failures as zero scores.
type JudgeScorer struct {
	caller llm.ModelCaller
	model  string
	name   string
}

// JudgeOption configures a JudgeScorer.
type JudgeOption func(*JudgeScorer)

// WithJudgeModel sets the model used for grading.
func WithJudgeModel(model string) JudgeOption {
	return func(j *JudgeScorer) {
		if model != "" {
			j.model = model
		}
	}
}

// WithJudgeName overrides the scorer name, allowing multiple judges with
// different models in one registry.
func WithJudgeName(name string) JudgeOption {
	return func(j *JudgeScorer) {
		if name != "" {
			j.name = name
		}
	}
}

// NewJudgeScorer creates a judge backed by the given model caller.
func NewJudgeScorer(caller llm.ModelCaller, opts ...JudgeOption) *JudgeScorer {
	j := &JudgeScorer{
		caller: caller,
		name:   "llm_judge",
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Name returns the scorer name.
func (j *JudgeScorer) Name() string {
	return j.name
}

// Evaluate asks the judge model to grade the record's output.
func (j *JudgeScorer) Evaluate(ctx context.Context, rec *Record, expected string) (Score, error) {
	prompt := fmt.Sprintf("Question:\n%s\n\nReference answer:\n%s\n\nCandidate answer:\n%s",
		rec.Input, expected, rec.Output)

	resp, err := j.caller.Complete(ctx, llm.CompletionRequest{
		Model:   j.model,
		TraceID: rec.TraceID,
		Messages: []llm.Message{
			llm.NewSystemMessage(judgeSystemPrompt),
			llm.NewUserMessage(prompt),
		},
	})
	if err != nil {
		return Score{}, err
	}

	return parseJudgeResponse(resp.Message.Content)
}

type judgeVerdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// parseJudgeResponse extracts the verdict JSON from the model response,
// tolerating surrounding prose or markdown fences.
func parseJudgeResponse(content string) (Score, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Score{}, fmt.Errorf("judge response contains no JSON verdict: %q", content)
	}

	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return Score{}, fmt.Errorf("failed to parse judge verdict: %w", err)
	}

	if verdict.Score < 0 || verdict.Score > 1 {
		return Score{}, fmt.Errorf("judge score %f outside [0,1]", verdict.Score)
	}

	return Score{Value: verdict.Score, Reason: verdict.Reason}, nil
}

var _ Scorer = (*JudgeScorer)(nil)
