package agentrun

import (
	"time"

	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/types"
)

// Status represents the lifecycle state of one agent run.
type Status string

const (
	// StatusRunning indicates the model/tool loop is in progress.
	StatusRunning Status = "running"

	// StatusAwaitingApproval indicates the run is suspended on a sensitive
	// tool call, waiting for an approve or reject signal.
	StatusAwaitingApproval Status = "awaiting_approval"

	// StatusCompleted indicates the model produced a final answer.
	StatusCompleted Status = "completed"

	// StatusRejected indicates a human rejected a sensitive tool call.
	StatusRejected Status = "rejected"

	// StatusFailed indicates a terminal error or the iteration cap.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the run was cancelled externally.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed, StatusCancelled:
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
	case StatusRunning:
		return target == StatusAwaitingApproval || target.IsTerminal()
	case StatusAwaitingApproval:
		return target == StatusRunning || target.IsTerminal()
	default:
		return false
	}
}

// State is the durable state of one agent run machine. It is owned
// exclusively by one Machine instance, persisted after every transition,
// and archived on terminal status.
type State struct {
	ID              types.ID      `json:"id"`
	AgentID         string        `json:"agent_id"`
	AgentVersion    string        `json:"agent_version,omitempty"`
	Input           string        `json:"input"`
	Model           string        `json:"model,omitempty"`
	Tools           []llm.ToolDef `json:"tools,omitempty"`
	MaxIterations   int           `json:"max_iterations"`
	RequireApproval bool          `json:"require_approval"`
	TraceID         string        `json:"trace_id,omitempty"`

	Iteration int           `json:"iteration"`
	Messages  []llm.Message `json:"messages"`
	Status    Status        `json:"status"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// Result summarizes a finished agent run.
type Result struct {
	ID         types.ID      `json:"id"`
	Status     Status        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Iterations int           `json:"iterations"`
	Messages   []llm.Message `json:"messages,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}
