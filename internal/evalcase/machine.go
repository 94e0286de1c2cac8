// Package evalcase wraps one dataset item: it runs the agent under test
// (full tool loop or a lightweight single model call), then scores the
// output and decides pass/fail under the configured thresholds.
package evalcase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/neon-ai/neon/internal/agentrun"
	"github.com/neon-ai/neon/internal/events"
	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/runtime"
	"github.com/neon-ai/neon/internal/scoring"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/tool"
	"github.com/neon-ai/neon/internal/types"
)

// Params configures a new eval case.
type Params struct {
	RunID    types.ID
	Input    string
	Expected string
	Scorers  []string
	Mode     Mode
	TraceID  string

	Thresholds *scoring.ThresholdConfig
	Weights    map[string]float64

	AgentID         string
	Model           string
	MaxIterations   int
	RequireApproval bool
}

// Machine evaluates one dataset item to a terminal status. The nested agent
// machine is addressed through the arena by its own ID, so external callers
// can cancel or inspect it independently of the case.
type Machine struct {
	state State

	caller     llm.ModelCaller
	executor   tool.Executor
	engine     *scoring.Engine
	activities *runtime.Activities
	store      store.Store
	hub        *runtime.SignalHub
	arena      *runtime.Arena
	bus        events.Bus
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option is a functional option for configuring the Machine.
type Option func(*Machine)

// WithLogger sets the logger for case operations.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBus sets the bus for case lifecycle events.
func WithEventBus(bus events.Bus) Option {
	return func(m *Machine) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the case lifecycle.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Machine) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// New creates a fresh eval case machine.
func New(params Params, caller llm.ModelCaller, executor tool.Executor, engine *scoring.Engine, st store.Store, hub *runtime.SignalHub, arena *runtime.Arena, activities *runtime.Activities, opts ...Option) *Machine {
	mode := params.Mode
	if mode == "" {
		mode = ModeFull
	}

	m := &Machine{
		state: State{
			ID:              types.NewID(),
			RunID:           params.RunID,
			Input:           params.Input,
			Expected:        params.Expected,
			Scorers:         params.Scorers,
			Mode:            mode,
			TraceID:         params.TraceID,
			Thresholds:      params.Thresholds,
			Weights:         params.Weights,
			AgentID:         params.AgentID,
			Model:           params.Model,
			MaxIterations:   params.MaxIterations,
			RequireApproval: params.RequireApproval,
			Status:          StatusPending,
			StartedAt:       time.Now(),
		},
		caller:     caller,
		executor:   executor,
		engine:     engine,
		activities: activities,
		store:      st,
		hub:        hub,
		arena:      arena,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("evalcase"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores a case machine from its persisted snapshot.
func Load(ctx context.Context, id types.ID, st store.Store, caller llm.ModelCaller, executor tool.Executor, engine *scoring.Engine, hub *runtime.SignalHub, arena *runtime.Arena, activities *runtime.Activities, opts ...Option) (*Machine, error) {
	snap, err := st.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		caller:     caller,
		executor:   executor,
		engine:     engine,
		activities: activities,
		store:      st,
		hub:        hub,
		arena:      arena,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("evalcase"),
	}
	if err := json.Unmarshal(snap.State, &m.state); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to decode eval case state", err)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the case's identifier.
func (m *Machine) ID() types.ID {
	return m.state.ID
}

// Status returns the case's current status.
func (m *Machine) Status() Status {
	return m.state.Status
}

// Run drives the case to a terminal status.
//
// An agent outcome of rejected is reported as a failed case with the
// Rejected flag set; rejection is an expected human decision, but for
// pass/fail reporting the case did not produce a scoreable output.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	if m.state.Status.IsTerminal() {
		return m.result(), nil
	}

	ctx, span := m.tracer.Start(ctx, "evalcase.Run")
	defer span.End()

	inbox, cleanup, err := m.hub.Register(ctx, m.state.ID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	m.emit(ctx, events.EventCaseStarted, nil)

	if cancelled, reason := m.drainCancel(ctx, inbox); cancelled {
		return m.terminate(ctx, StatusCancelled, reason)
	}
	if ctx.Err() != nil {
		return m.terminate(ctx, StatusCancelled, ctx.Err().Error())
	}

	// A machine restored at running_agent or scoring continues from the
	// persisted phase instead of re-entering it.
	if m.state.Status == StatusPending {
		if err := m.transition(ctx, StatusRunningAgent); err != nil {
			return nil, err
		}
	}

	var output string
	var messages []llm.Message

	switch m.state.Mode {
	case ModeLightweight:
		output, messages, err = m.lightweightCall(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return m.terminate(ctx, StatusCancelled, ctx.Err().Error())
			}
			return m.terminate(ctx, StatusFailed, fmt.Sprintf("model call failed: %v", err))
		}
	default:
		agentRes, runErr := m.runAgent(ctx, inbox)
		if runErr != nil {
			return nil, runErr
		}

		switch agentRes.Status {
		case agentrun.StatusCompleted:
			output = agentRes.Output
			messages = agentRes.Messages
		case agentrun.StatusRejected:
			m.state.Rejected = true
			return m.terminate(ctx, StatusFailed, agentRes.Error)
		case agentrun.StatusCancelled:
			return m.terminate(ctx, StatusCancelled, agentRes.Error)
		default:
			return m.terminate(ctx, StatusFailed, agentRes.Error)
		}
	}

	m.state.Output = output
	if m.state.Status != StatusScoring {
		if err := m.transition(ctx, StatusScoring); err != nil {
			return nil, err
		}
	}

	if cancelled, reason := m.drainCancel(ctx, inbox); cancelled {
		return m.terminate(ctx, StatusCancelled, reason)
	}

	m.score(ctx, output, messages)

	return m.terminate(ctx, StatusCompleted, "")
}

// runAgent drives the nested agent machine and registers its handle in the
// arena so run-level cancellation can reach it directly. A cancel signal
// sent to the case while the agent runs is forwarded as agent cancellation.
func (m *Machine) runAgent(ctx context.Context, inbox <-chan store.Signal) (*agentrun.Result, error) {
	agentCtx, cancelAgent := context.WithCancel(ctx)
	defer cancelAgent()

	child, err := m.agentMachine(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	if m.arena != nil {
		m.arena.Add(&runtime.Handle{
			ID:     child.ID(),
			Kind:   store.KindAgentRun,
			Cancel: cancelAgent,
			Done:   done,
		})
		defer m.arena.Remove(child.ID())
	}

	// Forward a cancel aimed at the case into the running agent.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		for {
			select {
			case <-done:
				return
			case sig, ok := <-inbox:
				if !ok {
					return
				}
				if sig.Type == store.SignalCancel {
					_ = m.hub.Ack(context.Background(), sig.ID)
					cancelAgent()
					return
				}
				_ = m.hub.Ack(context.Background(), sig.ID)
			}
		}
	}()

	res, err := child.Run(agentCtx)
	close(done)
	<-watcherDone
	return res, err
}

// agentMachine returns the nested agent machine for this case. A restored
// case resumes the child recorded in AgentRunID from its own snapshot, so
// journaled model and tool calls are never repeated. An AgentRunID with no
// snapshot means the child never did any work and is started fresh.
func (m *Machine) agentMachine(ctx context.Context) (*agentrun.Machine, error) {
	opts := []agentrun.Option{
		agentrun.WithLogger(m.logger),
		agentrun.WithEventBus(m.bus),
		agentrun.WithTracer(m.tracer),
	}

	if !m.state.AgentRunID.IsZero() {
		child, err := agentrun.Load(ctx, m.state.AgentRunID, m.store, m.caller, m.executor, m.hub, m.activities, opts...)
		if err == nil {
			return child, nil
		}
		if !store.NotFound(err) {
			return nil, err
		}
	}

	child := agentrun.New(agentrun.Params{
		AgentID:         m.state.AgentID,
		Input:           m.state.Input,
		Model:           m.state.Model,
		MaxIterations:   m.state.MaxIterations,
		RequireApproval: m.state.RequireApproval,
		TraceID:         m.state.TraceID,
	}, m.caller, m.executor, m.store, m.hub, m.activities, opts...)

	m.state.AgentRunID = child.ID()
	if err := m.persist(ctx); err != nil {
		return nil, err
	}
	return child, nil
}

// lightweightCall performs the single journaled model call of lightweight
// mode. The journal key is constant: the case makes exactly one call.
func (m *Machine) lightweightCall(ctx context.Context) (string, []llm.Message, error) {
	req := llm.CompletionRequest{
		Model:    m.state.Model,
		Messages: []llm.Message{llm.NewUserMessage(m.state.Input)},
		TraceID:  m.state.TraceID,
	}

	var resp llm.CompletionResponse
	err := m.activities.Execute(ctx, m.state.ID, "model-call", &resp, func(ctx context.Context) (any, error) {
		return m.caller.Complete(ctx, req)
	})
	if err != nil {
		return "", nil, err
	}

	messages := append(req.Messages, resp.Message)
	return resp.Message.Content, messages, nil
}

// score runs the requested scorers and applies threshold evaluation. Scorer
// failures are isolated by the engine; this never fails the case.
func (m *Machine) score(ctx context.Context, output string, messages []llm.Message) {
	rec := &scoring.Record{
		CaseID:   m.state.ID,
		TraceID:  m.state.TraceID,
		Input:    m.state.Input,
		Output:   output,
		Messages: messages,
		Duration: time.Since(m.state.StartedAt),
	}

	results := m.engine.Run(ctx, m.state.Scorers, rec, m.state.Expected)
	eval := scoring.EvaluateAll(results, m.state.Thresholds)
	for i := range results {
		results[i].Passed = eval.Results[i].Passed
	}

	m.state.Scores = results
	m.state.Passed = eval.Passed
	m.state.AvgScore = scoring.WeightedMean(results, m.state.Weights)

	for _, res := range eval.Results {
		m.emit(ctx, events.EventScoreRecorded, map[string]any{
			"scorer": res.Name,
			"value":  res.Score,
			"passed": res.Passed,
		})
	}
}

func (m *Machine) drainCancel(ctx context.Context, inbox <-chan store.Signal) (bool, string) {
	for {
		select {
		case sig := <-inbox:
			_ = m.hub.Ack(ctx, sig.ID)
			if sig.Type == store.SignalCancel {
				return true, sig.Reason
			}
		default:
			return false, ""
		}
	}
}

func (m *Machine) transition(ctx context.Context, target Status) error {
	if !m.state.Status.CanTransitionTo(target) {
		return types.NewError(types.INVALID_STATE,
			fmt.Sprintf("invalid eval case transition %s -> %s", m.state.Status, target))
	}
	m.state.Status = target
	return m.persist(ctx)
}

func (m *Machine) terminate(ctx context.Context, status Status, reason string) (*Result, error) {
	m.state.Status = status
	m.state.Error = reason
	m.state.DurationMs = time.Since(m.state.StartedAt).Milliseconds()

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

	eventType := events.EventCaseCompleted
	if status == StatusFailed {
		eventType = events.EventCaseFailed
	}
	m.emit(persistCtx, eventType, map[string]any{
		"status":    string(status),
		"passed":    m.state.Passed,
		"avg_score": m.state.AvgScore,
	})

	m.logger.Info("eval case finished",
		"case_id", m.state.ID,
		"run_id", m.state.RunID,
		"status", status,
		"passed", m.state.Passed,
		"avg_score", m.state.AvgScore,
		"duration_ms", m.state.DurationMs,
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
		Kind:      store.KindEvalCase,
		Status:    string(m.state.Status),
		State:     state,
	})
}

func (m *Machine) emit(ctx context.Context, eventType events.EventType, attrs map[string]any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, events.Event{
		Type:      eventType,
		RunID:     m.state.RunID,
		CaseID:    m.state.ID,
		MachineID: m.state.ID,
		TraceID:   m.state.TraceID,
		Attrs:     attrs,
	})
}

func (m *Machine) result() *Result {
	return &Result{
		CaseID:     m.state.ID,
		RunID:      m.state.RunID,
		Status:     m.state.Status,
		Passed:     m.state.Passed,
		Rejected:   m.state.Rejected,
		Output:     m.state.Output,
		Scores:     m.state.Scores,
		AvgScore:   m.state.AvgScore,
		DurationMs: m.state.DurationMs,
		Error:      m.state.Error,
	}
}
