package evalcase

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
	"github.com/neon-ai/neon/internal/scoring"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/tool"
	"github.com/neon-ai/neon/internal/types"
)

type errorScorer struct{}

func (errorScorer) Name() string { return "always_errors" }
func (errorScorer) Evaluate(_ context.Context, _ *scoring.Record, _ string) (scoring.Score, error) {
	return scoring.Score{}, types.NewError(types.SCORER_FAILED, "scorer blew up")
}

type harness struct {
	store    *store.MemoryStore
	hub      *runtime.SignalHub
	acts     *runtime.Activities
	arena    *runtime.Arena
	registry *tool.Registry
	engine   *scoring.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	scorers := scoring.NewDefaultRegistry()
	scorers.Register(errorScorer{})

	return &harness{
		store:    st,
		hub:      runtime.NewSignalHub(st),
		acts:     runtime.NewActivities(st),
		arena:    runtime.NewArena(),
		registry: tool.NewRegistry(),
		engine:   scoring.NewEngine(scorers),
	}
}

func (h *harness) newMachine(params Params, caller llm.ModelCaller) *Machine {
	return New(params, caller, h.registry, h.engine, h.store, h.hub, h.arena, h.acts)
}

func TestFullModeCompletesAndScores(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("paris")

	m := h.newMachine(Params{
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"exact_match"},
		Mode:          ModeFull,
		MaxIterations: 5,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Passed)
	assert.False(t, res.Rejected)
	require.Len(t, res.Scores, 1)
	assert.Equal(t, 1.0, res.Scores[0].Value)
	assert.True(t, res.Scores[0].Passed)
	assert.Equal(t, 1.0, res.AvgScore)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestLightweightModeSkipsToolLoop(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("4")

	m := h.newMachine(Params{
		Input:    "2+2?",
		Expected: "4",
		Scorers:  []string{"exact_match"},
		Mode:     ModeLightweight,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Passed)
	assert.Equal(t, "4", res.Output)
	assert.Equal(t, 1, mock.CallCount())
}

func TestScorerFailureIsolation(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("paris")

	m := h.newMachine(Params{
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"always_errors", "exact_match"},
		Mode:          ModeFull,
		MaxIterations: 5,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	// The failing scorer is recorded as a zero score; the case still
	// completes and the sibling scorer result is intact.
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Scores, 2)
	assert.Equal(t, "always_errors", res.Scores[0].Name)
	assert.Equal(t, 0.0, res.Scores[0].Value)
	assert.False(t, res.Scores[0].Passed)
	assert.Contains(t, res.Scores[0].Reason, "scorer blew up")
	assert.Equal(t, "exact_match", res.Scores[1].Name)
	assert.Equal(t, 1.0, res.Scores[1].Value)

	assert.False(t, res.Passed)
	assert.InDelta(t, 0.5, res.AvgScore, 1e-9)
}

func TestUnknownScorerIsIsolated(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("paris")

	m := h.newMachine(Params{
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"no_such_scorer", "exact_match"},
		Mode:          ModeFull,
		MaxIterations: 5,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Scores, 2)
	assert.Equal(t, 0.0, res.Scores[0].Value)
	assert.Equal(t, 1.0, res.Scores[1].Value)
}

func TestAvgScoreIsMeanOfValues(t *testing.T) {
	h := newHarness(t)
	// Output matches "contains" but not "exact_match".
	mock := providers.NewMockProvider().EnqueueContent("the capital is Paris.")

	m := h.newMachine(Params{
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"exact_match", "contains"},
		Mode:          ModeFull,
		MaxIterations: 5,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Scores, 2)
	want := (res.Scores[0].Value + res.Scores[1].Value) / 2
	assert.InDelta(t, want, res.AvgScore, 1e-9)
	assert.GreaterOrEqual(t, res.AvgScore, 0.0)
	assert.LessOrEqual(t, res.AvgScore, 1.0)
}

func TestRejectedAgentReportsFailedCase(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&sensitiveTool{})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "wire_money", Arguments: "{}"})

	m := h.newMachine(Params{
		Input:           "wire the funds",
		Scorers:         []string{"exact_match"},
		Mode:            ModeFull,
		MaxIterations:   5,
		RequireApproval: true,
	}, mock)

	done := make(chan *Result, 1)
	go func() {
		res, err := m.Run(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	// Reject the nested agent once it suspends.
	waitForAgentStatus(t, h.store, m, "awaiting_approval")
	agentID := loadState(t, h.store, m.ID()).AgentRunID
	require.NoError(t, h.hub.Send(context.Background(), agentID, store.SignalReject, "nope"))

	res := <-done
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Rejected)
	assert.False(t, res.Passed)
	assert.Empty(t, res.Scores, "rejected cases are not scored")
}

func TestFailedAgentSkipsScoring(t *testing.T) {
	h := newHarness(t)
	h.registry.Register(&loopTool{})

	mock := providers.NewMockProvider().
		EnqueueToolCalls(llm.ToolCall{ID: "call-1", Name: "loop", Arguments: "{}"}).
		EnqueueToolCalls(llm.ToolCall{ID: "call-2", Name: "loop", Arguments: "{}"})

	m := h.newMachine(Params{
		Input:         "loop",
		Scorers:       []string{"exact_match"},
		Mode:          ModeFull,
		MaxIterations: 1,
	}, mock)

	res, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.Rejected)
	assert.Contains(t, res.Error, "max iterations")
	assert.Empty(t, res.Scores)
}

func TestCancelBeforeStart(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("unused")

	m := h.newMachine(Params{
		Input:   "hello",
		Scorers: []string{"exact_match"},
		Mode:    ModeFull,
	}, mock)

	require.NoError(t, h.store.AppendSignal(context.Background(), store.Signal{
		ID:        types.NewID(),
		MachineID: m.ID(),
		Type:      store.SignalCancel,
		Reason:    "run cancelled",
	}))

	res, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 0, mock.CallCount())
}

func TestResumeRunningAgentCaseReplaysChild(t *testing.T) {
	h := newHarness(t)
	mock := providers.NewMockProvider().EnqueueContent("paris")

	m := h.newMachine(Params{
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"exact_match"},
		Mode:          ModeFull,
		MaxIterations: 5,
	}, mock)

	first, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	agentID := loadState(t, h.store, m.ID()).AgentRunID
	require.False(t, agentID.IsZero())

	// Rebuild the snapshot persisted while the agent was running,
	// simulating a crash before the case reached scoring.
	mid := State{
		ID:            m.ID(),
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"exact_match"},
		Mode:          ModeFull,
		MaxIterations: 5,
		Status:        StatusRunningAgent,
		AgentRunID:    agentID,
		StartedAt:     time.Now(),
	}
	stateDoc, _, err := store.EncodeState(&mid)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(context.Background(), store.Snapshot{
		MachineID: m.ID(),
		Kind:      store.KindEvalCase,
		Status:    string(StatusRunningAgent),
		State:     stateDoc,
	}))

	fresh := providers.NewMockProvider()
	restored, err := Load(context.Background(), m.ID(), h.store, fresh, h.registry, h.engine, h.hub, h.arena, h.acts)
	require.NoError(t, err)

	res, err := restored.Run(context.Background())
	require.NoError(t, err)

	// The existing child is resumed from its own snapshot, so the already
	// journaled model call is not repeated.
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Passed)
	assert.Equal(t, "paris", res.Output)
	assert.Equal(t, 0, fresh.CallCount())
	assert.Equal(t, agentID, loadState(t, h.store, m.ID()).AgentRunID)
}

func TestResumeCaseWithUnstartedChildStartsFresh(t *testing.T) {
	h := newHarness(t)

	// The recorded child ID has no snapshot: the previous process died
	// after recording it but before the child persisted anything.
	orphan := types.NewID()
	caseID := types.NewID()
	mid := State{
		ID:            caseID,
		Input:         "capital of france?",
		Expected:      "paris",
		Scorers:       []string{"exact_match"},
		Mode:          ModeFull,
		MaxIterations: 5,
		Status:        StatusRunningAgent,
		AgentRunID:    orphan,
		StartedAt:     time.Now(),
	}
	stateDoc, _, err := store.EncodeState(&mid)
	require.NoError(t, err)
	require.NoError(t, h.store.SaveSnapshot(context.Background(), store.Snapshot{
		MachineID: caseID,
		Kind:      store.KindEvalCase,
		Status:    string(StatusRunningAgent),
		State:     stateDoc,
	}))

	mock := providers.NewMockProvider().EnqueueContent("paris")
	restored, err := Load(context.Background(), caseID, h.store, mock, h.registry, h.engine, h.hub, h.arena, h.acts)
	require.NoError(t, err)

	res, err := restored.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Passed)
	assert.Equal(t, 1, mock.CallCount())

	// A fresh child replaced the orphaned ID.
	newChild := loadState(t, h.store, caseID).AgentRunID
	assert.False(t, newChild.IsZero())
	assert.NotEqual(t, orphan, newChild)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusRunningAgent))
	assert.True(t, StatusRunningAgent.CanTransitionTo(StatusScoring))
	assert.True(t, StatusRunningAgent.CanTransitionTo(StatusFailed))
	assert.True(t, StatusScoring.CanTransitionTo(StatusCompleted))

	assert.False(t, StatusPending.CanTransitionTo(StatusScoring))
	assert.False(t, StatusScoring.CanTransitionTo(StatusRunningAgent))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusPending))
}

type sensitiveTool struct{}

func (sensitiveTool) Name() string               { return "wire_money" }
func (sensitiveTool) Description() string        { return "moves money" }
func (sensitiveTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (sensitiveTool) Sensitive() bool            { return true }
func (sensitiveTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	return "done", nil
}

type loopTool struct{}

func (loopTool) Name() string               { return "loop" }
func (loopTool) Description() string        { return "loops" }
func (loopTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (loopTool) Sensitive() bool            { return false }
func (loopTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	return "again", nil
}

func loadState(t *testing.T, st store.Store, id types.ID) *State {
	t.Helper()
	snap, err := st.LoadSnapshot(context.Background(), id)
	require.NoError(t, err)
	var state State
	require.NoError(t, json.Unmarshal(snap.State, &state))
	return &state
}

func waitForAgentStatus(t *testing.T, st store.Store, m *Machine, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state := func() *State {
			snap, err := st.LoadSnapshot(context.Background(), m.ID())
			if err != nil {
				return nil
			}
			var s State
			if json.Unmarshal(snap.State, &s) != nil {
				return nil
			}
			return &s
		}()
		if state != nil && !state.AgentRunID.IsZero() {
			snap, err := st.LoadSnapshot(context.Background(), state.AgentRunID)
			if err == nil && snap.Status == status {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("nested agent never reached " + status)
}
