package agentrun

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/llm/providers"
	"github.com/neon-ai/neon/internal/runtime"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/tool"
	"github.com/neon-ai/neon/internal/types"
)

type fakeTool struct {
	name      string
	sensitive bool
	output    string
}

func (t *fakeTool) Name() string                   { return t.name }
func (t *fakeTool) Description() string            { return "test tool" }
func (t *fakeTool) Parameters() map[string]any     { return map[string]any{"type": "object"} }
func (t *fakeTool) Sensitive() bool                { return t.sensitive }
func (t *fakeTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	return t.output, nil
}

type harness struct {
	store    *store.MemoryStore
	hub      *runtime.SignalHub
	acts     *runtime.Activities
	registry *tool.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return &harness{
		store:    st,
		hub:      runtime.NewSignalHub(st),
		acts:     runtime.NewActivities(st),
		registry: tool.NewRegistry(),
	}
}

func (h *harness) newMachine(params Params, caller llm.ModelCaller) *Machine {
	return New(params, caller, h.registry, h.store, h.hub, h.acts)
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("final answer")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "hello", MaxIterations: 5}, mock)
	res, err := m.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "final answer", res.Output)
	assert.Equal(t, 1, mock.CallCount())

	// Terminal machines are archived but remain loadable.
	snap, err := h.store.LoadSnapshot(context.Background(), m.ID())
	require.NoError(t, err)
	assert.True(t, snap.Archived)
	assert.Equal(t, string(StatusCompleted), snap.Status)
}

func TestRunExecutesToolsThenCompletes(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "lookup", output: "42"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "lookup", Arguments: "{}"}).
		EnqueueContent("the answer is 42")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "what is the answer?", MaxIterations: 5}, mock)
	res, err := m.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "the answer is 42", res.Output)
	assert.Equal(t, 1, res.Iterations)

	// History: user, assistant(tool call), tool result, assistant(final).
	require.Len(t, res.Messages, 4)
	assert.Equal(t, llm.RoleUser, res.Messages[0].Role)
	assert.Equal(t, llm.RoleTool, res.Messages[2].Role)
	assert.Equal(t, "42", res.Messages[2].Content)
}

func TestRunFailsAtMaxIterations(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "loop", output: "again"})

	// Distinct call IDs per iteration so each tool call executes.
	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "loop", Arguments: "{}"}).
		EnqueueToolCalls(llm.ToolCall{ID: "call-2", Name: "loop", Arguments: "{}"}).
		EnqueueToolCalls(llm.ToolCall{ID: "call-3", Name: "loop", Arguments: "{}"})

	m := h.newMachine(Params{AgentID: "agent-1", Input: "loop forever", MaxIterations: 2}, mock)
	res, err := m.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Contains(t, res.Error, "max iterations exceeded")
	assert.Equal(t, 2, mock.CallCount())
}

func TestApprovalGateReject(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "delete_db", sensitive: true, output: "gone"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "delete_db", Arguments: "{}"})

	m := h.newMachine(Params{
		AgentID:         "agent-1",
		Input:           "drop everything",
		MaxIterations:   5,
		RequireApproval: true,
	}, mock)

	done := make(chan *Result, 1)
	go func() {
		res, err := m.Run(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	waitForStatus(t, h.store, m.ID(), string(StatusAwaitingApproval))
	require.NoError(t, h.hub.Send(context.Background(), m.ID(), store.SignalReject, "too risky"))

	res := waitForResult(t, done)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Error, "rejected")
	assert.Equal(t, 1, mock.CallCount(), "rejected tool call must not execute another model call")
}

func TestApprovalGateApprove(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "send_email", sensitive: true, output: "sent"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "send_email", Arguments: "{}"}).
		EnqueueContent("email sent")

	m := h.newMachine(Params{
		AgentID:         "agent-1",
		Input:           "send it",
		MaxIterations:   5,
		RequireApproval: true,
	}, mock)

	done := make(chan *Result, 1)
	go func() {
		res, err := m.Run(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	waitForStatus(t, h.store, m.ID(), string(StatusAwaitingApproval))
	require.NoError(t, h.hub.Send(context.Background(), m.ID(), store.SignalApprove, ""))

	res := waitForResult(t, done)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "email sent", res.Output)

	// The approved tool actually ran.
	found := false
	for _, msg := range res.Messages {
		if msg.Role == llm.RoleTool && msg.Content == "sent" {
			found = true
		}
	}
	assert.True(t, found, "tool result message missing from history")
}

func TestNonSensitiveToolSkipsApproval(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "read_file", output: "contents"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "read_file", Arguments: "{}"}).
		EnqueueContent("done")

	m := h.newMachine(Params{
		AgentID:         "agent-1",
		Input:           "read it",
		MaxIterations:   5,
		RequireApproval: true,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestCancelSignalBeforeModelCall(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("never seen")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "hello", MaxIterations: 5}, mock)

	// Persist the signal before the machine registers its inbox; Register
	// pre-delivers pending signals.
	require.NoError(t, h.store.AppendSignal(context.Background(), store.Signal{
		ID:        types.NewID(),
		MachineID: m.ID(),
		Type:      store.SignalCancel,
		Reason:    "operator cancelled",
	}))

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, "operator cancelled", res.Error)
	assert.Equal(t, 0, mock.CallCount())
}

func TestContextCancellationTerminates(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("unused")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "hello", MaxIterations: 5}, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestModelFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().
		EnqueueError(types.NewError(types.AGENT_MODEL_FAILED, "provider exploded"))

	m := h.newMachine(Params{AgentID: "agent-1", Input: "hello", MaxIterations: 5}, mock)
	res, err := m.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "model call failed")
}

func TestLoadTerminalMachineReturnsResultWithoutReplay(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("answer")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "hello", MaxIterations: 5}, mock)
	first, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	fresh := providers.NewMockProvider()
	restored, err := Load(context.Background(), m.ID(), h.store, fresh, h.registry, h.hub, h.acts)
	require.NoError(t, err)

	second, err := restored.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, "answer", second.Output)
	assert.Equal(t, 0, fresh.CallCount(), "terminal machine must not call the model again")
}

func TestReplayReusesJournaledModelCall(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "lookup", output: "42"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "lookup", Arguments: "{}"}).
		EnqueueContent("the answer is 42")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "question", MaxIterations: 5}, mock)
	first, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	// Rewind the persisted snapshot to the initial state, keeping the
	// journal, to simulate a crash before the first transition landed.
	rewound := State{
		ID:            m.ID(),
		AgentID:       "agent-1",
		Input:         "question",
		MaxIterations: 5,
		Status:        StatusRunning,
		Messages:      []llm.Message{llm.NewUserMessage("question")},
		StartedAt:     time.Now(),
	}
	stateDoc, _, err := store.EncodeState(&rewound)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(context.Background(), store.Snapshot{
		MachineID: m.ID(),
		Kind:      store.KindAgentRun,
		Status:    string(StatusRunning),
		State:     stateDoc,
	}))

	fresh := providers.NewMockProvider()
	restored, err := Load(context.Background(), m.ID(), h.store, fresh, h.registry, h.hub, h.acts)
	require.NoError(t, err)

	second, err := restored.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, "the answer is 42", second.Output)
	assert.Equal(t, 0, fresh.CallCount(), "journaled model calls must replay without re-execution")
}

func TestResumeMidIterationKeepsHistoryIntact(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "lookup", output: "42"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "lookup", Arguments: "{}"}).
		EnqueueContent("the answer is 42")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "question", MaxIterations: 5}, mock)
	first, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)
	require.Len(t, first.Messages, 4)

	// Rebuild the snapshot the machine persisted after appending the
	// iteration's assistant and tool messages but before the iteration
	// counter advanced, simulating a crash at that point.
	mid := State{
		ID:            m.ID(),
		AgentID:       "agent-1",
		Input:         "question",
		Tools:         h.registry.Defs(),
		MaxIterations: 5,
		Status:        StatusRunning,
		Iteration:     0,
		Messages:      first.Messages[:3],
		StartedAt:     time.Now(),
	}
	stateDoc, _, err := store.EncodeState(&mid)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(context.Background(), store.Snapshot{
		MachineID: m.ID(),
		Kind:      store.KindAgentRun,
		Status:    string(StatusRunning),
		State:     stateDoc,
	}))

	fresh := providers.NewMockProvider()
	restored, err := Load(context.Background(), m.ID(), h.store, fresh, h.registry, h.hub, h.acts)
	require.NoError(t, err)

	second, err := restored.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, "the answer is 42", second.Output)
	assert.Equal(t, 0, fresh.CallCount())

	// The replayed assistant and tool messages must not be appended again.
	require.Len(t, second.Messages, 4)
	assert.Equal(t, llm.RoleUser, second.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, llm.RoleTool, second.Messages[2].Role)
	assert.Equal(t, llm.RoleAssistant, second.Messages[3].Role)
}

func TestResumeAfterAssistantAppendSkipsReappend(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&fakeTool{name: "lookup", output: "42"})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "lookup", Arguments: "{}"}).
		EnqueueContent("done")

	m := h.newMachine(Params{AgentID: "agent-1", Input: "question", MaxIterations: 5}, mock)
	first, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	// Crash point: the assistant message landed, the tool result did not.
	mid := State{
		ID:            m.ID(),
		AgentID:       "agent-1",
		Input:         "question",
		Tools:         h.registry.Defs(),
		MaxIterations: 5,
		Status:        StatusRunning,
		Iteration:     0,
		Messages:      first.Messages[:2],
		StartedAt:     time.Now(),
	}
	stateDoc, _, err := store.EncodeState(&mid)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(context.Background(), store.Snapshot{
		MachineID: m.ID(),
		Kind:      store.KindAgentRun,
		Status:    string(StatusRunning),
		State:     stateDoc,
	}))

	fresh := providers.NewMockProvider()
	restored, err := Load(context.Background(), m.ID(), h.store, fresh, h.registry, h.hub, h.acts)
	require.NoError(t, err)

	second, err := restored.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, 0, fresh.CallCount())
	require.Len(t, second.Messages, 4)
	assert.Equal(t, "call-1", second.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "call-1", second.Messages[2].ToolCallID)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusRunning.CanTransitionTo(StatusAwaitingApproval))
	assert.True(t, StatusRunning.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusAwaitingApproval.CanTransitionTo(StatusRunning))
	assert.True(t, StatusAwaitingApproval.CanTransitionTo(StatusRejected))

	assert.False(t, StatusCompleted.CanTransitionTo(StatusRunning))
	assert.False(t, StatusCancelled.CanTransitionTo(StatusRunning))
	assert.False(t, StatusRunning.CanTransitionTo(StatusRunning))
}

func waitForStatus(t *testing.T, st store.Store, id types.ID, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := st.LoadSnapshot(context.Background(), id)
		if err == nil && snap.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("machine %s never reached status %s", id, status)
}

func waitForResult(t *testing.T, done <-chan *Result) *Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("machine did not finish in time")
		return nil
	}
}
