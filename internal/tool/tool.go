// Package tool defines the tool-execute collaborator consumed by agent
// runs: an interface for atomic, in-process tools, a typed registry, and an
// executor that dispatches model-issued tool calls.
//
// The executor itself does not guarantee idempotency; the agent run machine
// journals each tool call by its ID so a call is never executed twice even
// across restarts. Tools invoked with external side effects should still be
// designed to tolerate at-least-once delivery.
package tool

import (
	"context"
	"encoding/json"

	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/types"
)

// Tool error codes
const (
	ErrToolNotFound  types.ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecution types.ErrorCode = "TOOL_EXECUTION_FAILED"
	ErrToolArguments types.ErrorCode = "TOOL_INVALID_ARGUMENTS"
)

// Tool represents an atomic operation an agent can invoke.
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool
	// does; it is sent to the model verbatim.
	Description() string

	// Parameters returns the JSON schema for the tool's input.
	Parameters() map[string]any

	// Sensitive reports whether invoking this tool requires human approval
	// when the agent run was started with approval required.
	Sensitive() bool

	// Execute runs the tool with JSON-encoded arguments and returns the
	// output content handed back to the model.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Executor is the tool-execute collaborator boundary. It fails with a
// retryable error on transient faults and a non-retryable error on bad
// arguments or unknown tools.
type Executor interface {
	// Execute dispatches one model-issued tool call.
	Execute(ctx context.Context, traceID string, call llm.ToolCall) (string, error)

	// Defs returns the tool definitions to advertise to the model.
	Defs() []llm.ToolDef

	// IsSensitive reports whether the named tool is approval-gated.
	IsSensitive(name string) bool
}

// NewToolNotFoundError creates an error for an unknown tool name.
func NewToolNotFoundError(name string) *types.Error {
	return types.NewError(ErrToolNotFound, "tool not found: "+name)
}
