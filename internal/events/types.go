package events

import (
	"time"

	"github.com/neon-ai/neon/internal/types"
)

// EventType identifies the kind of lifecycle or execution-record event.
type EventType string

const (
	// Run lifecycle
	EventRunStarted   EventType = "run.started"
	EventRunProgress  EventType = "run.progress"
	EventRunCompleted EventType = "run.completed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunPaused    EventType = "run.paused"
	EventRunResumed   EventType = "run.resumed"

	// Case lifecycle
	EventCaseStarted   EventType = "case.started"
	EventCaseCompleted EventType = "case.completed"
	EventCaseFailed    EventType = "case.failed"

	// Agent run execution records
	EventModelCall        EventType = "agent.model_call"
	EventToolCall         EventType = "agent.tool_call"
	EventAwaitingApproval EventType = "agent.awaiting_approval"
	EventApprovalResolved EventType = "agent.approval_resolved"

	// Scoring
	EventScoreRecorded EventType = "score.recorded"
)

// Event is a single observability event. Emission is fire-and-forget:
// failure to deliver an event never fails the emitting machine.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     types.ID       `json:"run_id,omitempty"`
	CaseID    types.ID       `json:"case_id,omitempty"`
	MachineID types.ID       `json:"machine_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Payload   any            `json:"payload,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RunProgressPayload carries coordinator progress counters.
type RunProgressPayload struct {
	RunID     types.ID `json:"run_id"`
	Completed int      `json:"completed"`
	Total     int      `json:"total"`
	Passed    int      `json:"passed"`
	Failed    int      `json:"failed"`
}

// CaseCompletedPayload carries a case terminal result.
type CaseCompletedPayload struct {
	RunID    types.ID      `json:"run_id"`
	CaseID   types.ID      `json:"case_id"`
	Passed   bool          `json:"passed"`
	AvgScore float64       `json:"avg_score"`
	Duration time.Duration `json:"duration"`
}

// Filter selects which events a subscriber receives. Zero value matches all.
type Filter struct {
	// Types filters by event type; empty matches all types.
	Types []EventType

	// RunID filters events for a specific run; zero matches all runs.
	RunID types.ID
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !f.RunID.IsZero() && event.RunID != f.RunID {
		return false
	}

	return true
}
