package evalrun

import (
	"time"

	"github.com/neon-ai/neon/internal/evalcase"
	"github.com/neon-ai/neon/internal/notify"
	"github.com/neon-ai/neon/internal/scoring"
	"github.com/neon-ai/neon/internal/types"
)

// Status represents the lifecycle state of one eval run.
type Status string

const (
	// StatusPending indicates the run has been created but not started.
	StatusPending Status = "pending"

	// StatusRunning indicates cases are being admitted and executed.
	StatusRunning Status = "running"

	// StatusPaused indicates admission is suspended; in-flight cases run to
	// completion and the run remains queryable and resumable.
	StatusPaused Status = "paused"

	// StatusCompleted indicates all items reached a terminal status.
	StatusCompleted Status = "completed"

	// StatusCancelled indicates the run was cancelled externally.
	StatusCancelled Status = "cancelled"

	// StatusFailed indicates an infrastructure fault: the run could not be
	// scheduled or persisted. Case failures never produce this status.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
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
		return target == StatusRunning || target.IsTerminal()
	case StatusRunning:
		return target == StatusPaused || target.IsTerminal()
	case StatusPaused:
		return target == StatusRunning || target.IsTerminal()
	default:
		return false
	}
}

// Item is one dataset entry to evaluate.
type Item struct {
	Name     string `json:"name,omitempty"`
	Input    string `json:"input"`
	Expected string `json:"expected,omitempty"`
}

// Progress tracks case completion counters. Invariant: Completed equals
// Passed plus Failed, and Completed never exceeds Total or decreases.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
}

// Summary is the single authoritative completion record, set exactly once
// when the run reaches a terminal status with all items accounted for.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	AvgScore float64 `json:"avg_score"`
}

// State is the durable state of one eval run coordinator.
type State struct {
	RunID     types.ID `json:"run_id"`
	ProjectID string   `json:"project_id,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`

	Items   []Item   `json:"items"`
	Scorers []string `json:"scorers"`

	Parallel    bool `json:"parallel"`
	Parallelism int  `json:"parallelism"`

	Mode            evalcase.Mode `json:"mode"`
	Model           string        `json:"model,omitempty"`
	MaxIterations   int           `json:"max_iterations,omitempty"`
	RequireApproval bool          `json:"require_approval,omitempty"`

	Thresholds *scoring.ThresholdConfig `json:"thresholds,omitempty"`
	Weights    map[string]float64       `json:"weights,omitempty"`
	Notify     *notify.Config           `json:"notify,omitempty"`

	Status    Status `json:"status"`
	NextIndex int    `json:"next_index"`

	// InFlight tracks admitted cases whose results are not yet recorded,
	// keyed by case machine ID with the dataset item index as value. A
	// restored coordinator re-drives these from their own snapshots.
	InFlight map[types.ID]int `json:"in_flight,omitempty"`

	Progress    Progress          `json:"progress"`
	CaseResults []evalcase.Result `json:"case_results,omitempty"`
	Summary     *Summary          `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}
