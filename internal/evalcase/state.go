package evalcase

import (
	"time"

	"github.com/neon-ai/neon/internal/scoring"
	"github.com/neon-ai/neon/internal/types"
)

// Status represents the lifecycle state of one eval case.
type Status string

const (
	// StatusPending indicates the case has been created but not started.
	StatusPending Status = "pending"

	// StatusRunningAgent indicates the agent (or lightweight model call) is
	// in progress.
	StatusRunningAgent Status = "running_agent"

	// StatusScoring indicates the agent finished and scorers are running.
	StatusScoring Status = "scoring"

	// StatusCompleted indicates the case finished with a scored result.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the agent failed, was rejected, or the case
	// itself errored.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the case was cancelled externally.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates a status transition.
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return target == StatusRunningAgent || target.IsTerminal()
	case StatusRunningAgent:
		return target == StatusScoring || target.IsTerminal()
	case StatusScoring:
		return target.IsTerminal()
	default:
		return false
	}
}

// Mode selects how the case produces the output to score.
type Mode string

const (
	// ModeFull runs a nested agent machine with the full tool loop.
	ModeFull Mode = "full"

	// ModeLightweight performs one direct model call with no tool loop,
	// used for cheap smoke evaluation.
	ModeLightweight Mode = "lightweight"
)

// State is the durable state of one eval case machine.
type State struct {
	ID       types.ID `json:"id"`
	RunID    types.ID `json:"run_id,omitempty"`
	Input    string   `json:"input"`
	Expected string   `json:"expected,omitempty"`
	Scorers  []string `json:"scorers"`
	Mode     Mode     `json:"mode"`
	TraceID  string   `json:"trace_id,omitempty"`

	Thresholds *scoring.ThresholdConfig `json:"thresholds,omitempty"`

	// Weights biases the case average score per scorer name; unweighted
	// scorers count as weight 1. Empty means a plain mean.
	Weights map[string]float64 `json:"weights,omitempty"`

	// Agent configuration for full mode.
	AgentID         string `json:"agent_id,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
	RequireApproval bool   `json:"require_approval,omitempty"`

	Status     Status                `json:"status"`
	AgentRunID types.ID              `json:"agent_run_id,omitempty"`
	Output     string                `json:"output,omitempty"`
	Scores     []scoring.ScoreResult `json:"scores,omitempty"`
	Passed     bool                  `json:"passed"`
	Rejected   bool                  `json:"rejected,omitempty"`
	AvgScore   float64               `json:"avg_score"`
	DurationMs int64                 `json:"duration_ms"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
}

// Result summarizes a finished eval case.
type Result struct {
	CaseID     types.ID              `json:"case_id"`
	RunID      types.ID              `json:"run_id,omitempty"`
	Status     Status                `json:"status"`
	Passed     bool                  `json:"passed"`
	Rejected   bool                  `json:"rejected,omitempty"`
	Output     string                `json:"output,omitempty"`
	Scores     []scoring.ScoreResult `json:"scores,omitempty"`
	AvgScore   float64               `json:"avg_score"`
	DurationMs int64                 `json:"duration_ms"`
	Error      string                `json:"error,omitempty"`
}
