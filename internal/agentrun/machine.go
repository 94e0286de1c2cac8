// Package agentrun implements the agent tool-calling loop as a durable
// state machine: model call, tool calls, tool execution, with an optional
// human approval gate and a hard iteration cap.
//
// Every completed model call and tool execution is journaled by the
// runtime, so replaying a machine from a persisted snapshot never repeats a
// side effect: an LLM call that already billed or a tool call that already
// ran is served from the journal.
package agentrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/neon-ai/neon/internal/events"
	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/runtime"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/tool"
	"github.com/neon-ai/neon/internal/types"
)

const maxIterationsReason = "max iterations exceeded"

// Machine runs one agent to completion. The machine is internally
// sequential: each model or tool call is awaited before the next, and the
// message history order is exactly the order of interactions, preserved
// verbatim across restarts.
type Machine struct {
	state State

	caller     llm.ModelCaller
	executor   tool.Executor
	activities *runtime.Activities
	store      store.Store
	hub        *runtime.SignalHub
	bus        events.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Params configures a new agent run.
type Params struct {
	AgentID         string
	AgentVersion    string
	Input           string
	Model           string
	MaxIterations   int
	RequireApproval bool
	TraceID         string
}

// Option is a functional option for configuring the Machine.
type Option func(*Machine)

// WithLogger sets the logger for machine operations.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the agent loop.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithEventBus sets the bus for execution-record events.
func WithEventBus(bus events.Bus) Option {
	return func(m *Machine) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// New creates a fresh agent run machine.
func New(params Params, caller llm.ModelCaller, executor tool.Executor, st store.Store, hub *runtime.SignalHub, activities *runtime.Activities, opts ...Option) *Machine {
	maxIter := params.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	m := &Machine{
		state: State{
			ID:              types.NewID(),
			AgentID:         params.AgentID,
			AgentVersion:    params.AgentVersion,
			Input:           params.Input,
			Model:           params.Model,
			MaxIterations:   maxIter,
			RequireApproval: params.RequireApproval,
			TraceID:         params.TraceID,
			Status:          StatusRunning,
			Messages:        []llm.Message{llm.NewUserMessage(params.Input)},
			StartedAt:       time.Now(),
		},
		caller:     caller,
		executor:   executor,
		activities: activities,
		store:      st,
		hub:        hub,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("agentrun"),
	}
	if executor != nil {
		m.state.Tools = executor.Defs()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores a machine from its persisted snapshot so it can resume
// after a restart. The snapshot's checksum is validated by the store.
func Load(ctx context.Context, id types.ID, st store.Store, caller llm.ModelCaller, executor tool.Executor, hub *runtime.SignalHub, activities *runtime.Activities, opts ...Option) (*Machine, error) {
	snap, err := st.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		caller:     caller,
		executor:   executor,
		activities: activities,
		store:      st,
		hub:        hub,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("agentrun"),
	}
	if err := decodeState(snap, &m.state); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the machine's identifier.
func (m *Machine) ID() types.ID {
	return m.state.ID
}

// Status returns a snapshot of the machine's current status.
func (m *Machine) Status() Status {
	return m.state.Status
}

// Run drives the agent loop to a terminal status. It is safe to call on a
// machine restored mid-run: journaled model and tool results replay
// without re-execution, yielding the same terminal status and output as an
// uninterrupted run with the same collaborator responses.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	if m.state.Status.IsTerminal() {
		return m.result(), nil
	}

	ctx, span := m.tracer.Start(ctx, "agentrun.Run")
	defer span.End()

	inbox, cleanup, err := m.hub.Register(ctx, m.state.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := m.persist(ctx); err != nil {
		return nil, err
	}

	m.logger.Info("agent run starting",
		"agent_run_id", m.state.ID,
		"agent_id", m.state.AgentID,
		"max_iterations", m.state.MaxIterations,
		"iteration", m.state.Iteration,
	)

	for {
		if sig, ok := m.pollCancel(ctx, inbox); ok {
			return m.terminate(ctx, StatusCancelled, "", sig.Reason)
		}
		if ctx.Err() != nil {
			return m.terminate(ctx, StatusCancelled, "", ctx.Err().Error())
		}

		resp, err := m.modelCall(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.terminate(ctx, StatusCancelled, "", ctx.Err().Error())
			}
			return m.terminate(ctx, StatusFailed, "", fmt.Sprintf("model call failed: %v", err))
		}

		if !m.hasAssistantReply(resp.Message) {
			m.state.Messages = append(m.state.Messages, resp.Message)
			if err := m.persist(ctx); err != nil {
				return nil, err
			}
		}
		m.emit(ctx, events.EventModelCall, map[string]any{
			"iteration":  m.state.Iteration,
			"tool_calls": len(resp.Message.ToolCalls),
		})

		if len(resp.Message.ToolCalls) == 0 {
			return m.terminate(ctx, StatusCompleted, resp.Message.Content, "")
		}

		if m.state.RequireApproval && m.anySensitive(resp.Message.ToolCalls) {
			terminal, res, err := m.approvalGate(ctx, inbox)
			if err != nil {
				return nil, err
			}
			if terminal {
				return res, nil
			}
		}

		for _, call := range resp.Message.ToolCalls {
			if sig, ok := m.pollCancel(ctx, inbox); ok {
				return m.terminate(ctx, StatusCancelled, "", sig.Reason)
			}

			output, err := m.toolCall(ctx, call)
			if err != nil {
				if ctx.Err() != nil {
					return m.terminate(ctx, StatusCancelled, "", ctx.Err().Error())
				}
				return m.terminate(ctx, StatusFailed, "", fmt.Sprintf("tool %s failed: %v", call.Name, err))
			}

			if !m.hasToolResult(call.ID) {
				m.state.Messages = append(m.state.Messages, llm.NewToolResultMessage(call.ID, output))
				if err := m.persist(ctx); err != nil {
					return nil, err
				}
			}
			m.emit(ctx, events.EventToolCall, map[string]any{
				"iteration": m.state.Iteration,
				"tool":      call.Name,
				"call_id":   call.ID,
			})
		}

		m.state.Iteration++
		if err := m.persist(ctx); err != nil {
			return nil, err
		}

		if m.state.Iteration >= m.state.MaxIterations {
			return m.terminate(ctx, StatusFailed, "", maxIterationsReason)
		}
	}
}

// modelCall invokes the model collaborator, journaled per iteration so a
// replayed machine reuses the recorded response.
func (m *Machine) modelCall(ctx context.Context) (*llm.CompletionResponse, error) {
	var resp llm.CompletionResponse
	key := fmt.Sprintf("model-call:%d", m.state.Iteration)

	err := m.activities.Execute(ctx, m.state.ID, key, &resp, func(ctx context.Context) (any, error) {
		return m.caller.Complete(ctx, llm.CompletionRequest{
			Model:    m.state.Model,
			Messages: m.state.Messages,
			Tools:    m.state.Tools,
			TraceID:  m.state.TraceID,
		})
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// toolCall executes one tool call, journaled by the call ID: a ToolCall ID
// is never executed twice, even across restarts.
func (m *Machine) toolCall(ctx context.Context, call llm.ToolCall) (string, error) {
	var output string
	err := m.activities.Execute(ctx, m.state.ID, "tool:"+call.ID, &output, func(ctx context.Context) (any, error) {
		return m.executor.Execute(ctx, m.state.TraceID, call)
	})
	return output, err
}

// approvalGate suspends the machine until an approve or reject signal
// arrives. The decision is journaled per iteration so a restart during or
// after the gate does not re-prompt.
func (m *Machine) approvalGate(ctx context.Context, inbox <-chan store.Signal) (terminal bool, res *Result, err error) {
	key := fmt.Sprintf("approval:%d", m.state.Iteration)

	var decision string
	found, err := m.store.LookupResult(ctx, m.state.ID, key, &decision)
	if err != nil {
		return false, nil, err
	}

	if !found {
		// A machine restored while suspended at the gate is already in
		// awaiting_approval and just re-arms the wait.
		if m.state.Status != StatusAwaitingApproval {
			if err := m.transition(ctx, StatusAwaitingApproval); err != nil {
				return false, nil, err
			}
		}
		m.emit(ctx, events.EventAwaitingApproval, map[string]any{"iteration": m.state.Iteration})
		m.logger.Info("agent run awaiting approval", "agent_run_id", m.state.ID, "iteration", m.state.Iteration)

		decision, err = m.awaitDecision(ctx, inbox)
		if err != nil {
			res, rerr := m.terminate(ctx, StatusCancelled, "", err.Error())
			return true, res, rerr
		}

		if err := m.store.JournalResult(ctx, m.state.ID, key, decision); err != nil {
			return false, nil, err
		}
	}

	m.emit(ctx, events.EventApprovalResolved, map[string]any{
		"iteration": m.state.Iteration,
		"decision":  decision,
	})

	switch decision {
	case string(store.SignalReject):
		res, rerr := m.terminate(ctx, StatusRejected, "", "sensitive tool call rejected")
		return true, res, rerr
	case string(store.SignalCancel):
		res, rerr := m.terminate(ctx, StatusCancelled, "", "cancelled while awaiting approval")
		return true, res, rerr
	default:
		// On replay the journaled decision is found while the status is
		// still running; only a live gate needs the transition back.
		if m.state.Status == StatusAwaitingApproval {
			if err := m.transition(ctx, StatusRunning); err != nil {
				return false, nil, err
			}
		}
		return false, nil, nil
	}
}

// awaitDecision blocks on the signal inbox until an approve, reject, or
// cancel signal arrives. Pause and resume are not meaningful mid-agent-run
// and are acknowledged without effect.
func (m *Machine) awaitDecision(ctx context.Context, inbox <-chan store.Signal) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case sig := <-inbox:
			m.ack(ctx, sig)
			switch sig.Type {
			case store.SignalApprove:
				return string(store.SignalApprove), nil
			case store.SignalReject:
				return string(store.SignalReject), nil
			case store.SignalCancel:
				return string(store.SignalCancel), nil
			}
		}
	}
}

// pollCancel drains the inbox without blocking, reporting a cancel signal.
func (m *Machine) pollCancel(ctx context.Context, inbox <-chan store.Signal) (store.Signal, bool) {
	for {
		select {
		case sig := <-inbox:
			m.ack(ctx, sig)
			if sig.Type == store.SignalCancel {
				return sig, true
			}
		default:
			return store.Signal{}, false
		}
	}
}

// hasAssistantReply reports whether the assistant message for the current
// iteration already sits in the history. Snapshots are persisted after
// every append, so a machine restored mid-iteration replays the journaled
// response for a message that already landed; appending it again would
// corrupt the append-only history.
func (m *Machine) hasAssistantReply(msg llm.Message) bool {
	if len(msg.ToolCalls) > 0 {
		// Tool call IDs are unique per call (the journal keys on them), so
		// the first one identifies the iteration's assistant message
		// wherever it sits in the history.
		return m.hasToolCallID(msg.ToolCalls[0].ID)
	}

	// A final reply carries no tool calls. It can only have been appended
	// as the last message before the terminal transition landed.
	if len(m.state.Messages) == 0 {
		return false
	}
	last := m.state.Messages[len(m.state.Messages)-1]
	return last.Role == llm.RoleAssistant && len(last.ToolCalls) == 0 && last.Content == msg.Content
}

func (m *Machine) hasToolCallID(callID string) bool {
	for _, msg := range m.state.Messages {
		if msg.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return true
			}
		}
	}
	return false
}

// hasToolResult reports whether the tool result for a call ID is already in
// the history.
func (m *Machine) hasToolResult(callID string) bool {
	for _, msg := range m.state.Messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID == callID {
			return true
		}
	}
	return false
}

func (m *Machine) anySensitive(calls []llm.ToolCall) bool {
	defs := make(map[string]llm.ToolDef, len(m.state.Tools))
	for _, d := range m.state.Tools {
		defs[d.Name] = d
	}
	for _, call := range calls {
		if d, ok := defs[call.Name]; ok && d.Sensitive {
			return true
		}
		if m.executor != nil && m.executor.IsSensitive(call.Name) {
			return true
		}
	}
	return false
}

func (m *Machine) transition(ctx context.Context, target Status) error {
	if !m.state.Status.CanTransitionTo(target) {
		return types.NewError(types.INVALID_STATE,
			fmt.Sprintf("invalid agent run transition %s -> %s", m.state.Status, target))
	}
	m.state.Status = target
	return m.persist(ctx)
}

// terminate moves the machine to a terminal status, persists and archives
// the final state, and returns the result.
func (m *Machine) terminate(ctx context.Context, status Status, output, reason string) (*Result, error) {
	m.state.Status = status
	m.state.Output = output
	m.state.Error = ""
	if status == StatusFailed || status == StatusCancelled || status == StatusRejected {
		m.state.Error = reason
	}

	// Persist and archive with a fresh context: the terminal transition
	// must land even when the run context was cancelled.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := m.persist(persistCtx); err != nil {
		return nil, err
	}
	if err := m.store.ArchiveSnapshot(persistCtx, m.state.ID); err != nil {
		return nil, err
	}

	m.logger.Info("agent run finished",
		"agent_run_id", m.state.ID,
		"status", status,
		"iterations", m.state.Iteration,
		"reason", reason,
	)

	return m.result(), nil
}

func (m *Machine) persist(ctx context.Context) error {
	state, _, err := store.EncodeState(&m.state)
	if err != nil {
		return err
	}
	return m.store.SaveSnapshot(ctx, store.Snapshot{
		MachineID: m.state.ID,
		Kind:      store.KindAgentRun,
		Status:    string(m.state.Status),
		State:     state,
	})
}

func (m *Machine) emit(ctx context.Context, eventType events.EventType, attrs map[string]any) {
	if m.bus == nil {
		return
	}
	// Fire-and-forget: a full or closed bus never fails the machine.
	_ = m.bus.Publish(ctx, events.Event{
		Type:      eventType,
		MachineID: m.state.ID,
		TraceID:   m.state.TraceID,
		Attrs:     attrs,
	})
}

func (m *Machine) ack(ctx context.Context, sig store.Signal) {
	if err := m.hub.Ack(ctx, sig.ID); err != nil {
		m.logger.Warn("failed to ack signal", "signal_id", sig.ID, "error", err)
	}
}

func (m *Machine) result() *Result {
	return &Result{
		ID:         m.state.ID,
		Status:     m.state.Status,
		Output:     m.state.Output,
		Iterations: m.state.Iteration,
		Messages:   m.state.Messages,
		Duration:   time.Since(m.state.StartedAt),
		Error:      m.state.Error,
	}
}

func decodeState(snap *store.Snapshot, into *State) error {
	if err := json.Unmarshal(snap.State, into); err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to decode agent run state", err)
	}
	return nil
}
