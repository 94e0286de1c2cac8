// Package evalrun fans a dataset out to eval case machines under a bounded
// concurrency limit, aggregates progress and a run summary, and reacts to
// pause, resume, and cancel signals.
package evalrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/neon-ai/neon/internal/evalcase"
	"github.com/neon-ai/neon/internal/events"
	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/notify"
	"github.com/neon-ai/neon/internal/runtime"
	"github.com/neon-ai/neon/internal/scoring"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/tool"
	"github.com/neon-ai/neon/internal/types"
)

// DefaultParallelism bounds concurrent cases when none is configured.
const DefaultParallelism = 5

// defaultCancelWait bounds how long the coordinator waits for in-flight
// cases to acknowledge a cancellation.
const defaultCancelWait = 30 * time.Second

// Params configures a new eval run.
type Params struct {
	ProjectID string
	AgentID   string

	Items   []Item
	Scorers []string

	// Parallel enables concurrent case execution; when false the run
	// behaves as parallelism 1 regardless of Parallelism.
	Parallel    bool
	Parallelism int

	Mode            evalcase.Mode
	Model           string
	MaxIterations   int
	RequireApproval bool

	Thresholds *scoring.ThresholdConfig

	// Weights biases per-case average scores per scorer name; empty means a
	// plain mean.
	Weights map[string]float64

	Notify *notify.Config
}

// Coordinator drives one eval run. Progress counters are updated under a
// single lock on every case completion, so concurrent completions never
// lose an increment, and Status/Progress queries are snapshot reads that
// never block on in-flight work.
type Coordinator struct {
	mu    sync.RWMutex
	state State

	caller     llm.ModelCaller
	executor   tool.Executor
	engine     *scoring.Engine
	activities *runtime.Activities
	store      store.Store
	hub        *runtime.SignalHub
	arena      *runtime.Arena
	bus        events.Bus
	notifier   notify.Notifier
	logger     *slog.Logger
	tracer     trace.Tracer

	cancelWait time.Duration
}

// caseOutcome carries one finished case back to the coordinator loop. Err
// is non-nil only for substrate faults, which fail the run itself.
type caseOutcome struct {
	res *evalcase.Result
	err error
}

// Option is a functional option for configuring the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger for run operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventBus sets the bus for run lifecycle and progress events.
func WithEventBus(bus events.Bus) Option {
	return func(c *Coordinator) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// WithNotifier sets the notifier fired once at run completion.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the run lifecycle.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithCancelWait bounds the wait for in-flight case acknowledgement after a
// cancel signal.
func WithCancelWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cancelWait = d
		}
	}
}

// New creates a fresh eval run coordinator.
func New(params Params, caller llm.ModelCaller, executor tool.Executor, engine *scoring.Engine, st store.Store, hub *runtime.SignalHub, arena *runtime.Arena, activities *runtime.Activities, opts ...Option) *Coordinator {
	parallelism := params.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if !params.Parallel {
		parallelism = 1
	}

	c := &Coordinator{
		state: State{
			RunID:           types.NewID(),
			ProjectID:       params.ProjectID,
			AgentID:         params.AgentID,
			Items:           params.Items,
			Scorers:         params.Scorers,
			Parallel:        params.Parallel,
			Parallelism:     parallelism,
			Mode:            params.Mode,
			Model:           params.Model,
			MaxIterations:   params.MaxIterations,
			RequireApproval: params.RequireApproval,
			Thresholds:      params.Thresholds,
			Weights:         params.Weights,
			Notify:          params.Notify,
			Status:          StatusPending,
			Progress:        Progress{Total: len(params.Items)},
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
		tracer:     noop.NewTracerProvider().Tracer("evalrun"),
		cancelWait: defaultCancelWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores a coordinator from its persisted snapshot. Cases that were
// in flight when the process died are re-admitted from their own snapshots'
// journals, so completed model and tool calls are not repeated.
func Load(ctx context.Context, id types.ID, st store.Store, caller llm.ModelCaller, executor tool.Executor, engine *scoring.Engine, hub *runtime.SignalHub, arena *runtime.Arena, activities *runtime.Activities, opts ...Option) (*Coordinator, error) {
	snap, err := st.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		caller:     caller,
		executor:   executor,
		engine:     engine,
		activities: activities,
		store:      st,
		hub:        hub,
		arena:      arena,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("evalrun"),
		cancelWait: defaultCancelWait,
	}
	if err := json.Unmarshal(snap.State, &c.state); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "failed to decode eval run state", err)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns the run's identifier.
func (c *Coordinator) ID() types.ID {
	return c.state.RunID
}

// Status returns the run's current status without blocking on in-flight
// work.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status
}

// Progress returns a snapshot of the progress counters.
func (c *Coordinator) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Progress
}

// Summary returns the run summary, or nil before the run completes.
func (c *Coordinator) Summary() *Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Summary == nil {
		return nil
	}
	s := *c.state.Summary
	return &s
}

// Run drives the dataset to completion. A case entering failed never fails
// the run; the only run-level error is a substrate fault (inability to
// persist or schedule).
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	c.mu.RLock()
	terminal := c.state.Status.IsTerminal()
	c.mu.RUnlock()
	if terminal {
		return c.Summary(), nil
	}

	ctx, span := c.tracer.Start(ctx, "evalrun.Run")
	defer span.End()

	inbox, cleanup, err := c.hub.Register(ctx, c.state.RunID)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// A fresh run starts; a run restored at running continues; a run
	// restored at paused stays paused until a resume signal arrives.
	switch c.Status() {
	case StatusPending:
		if err := c.setStatus(ctx, StatusRunning); err != nil {
			return nil, err
		}
		c.emit(ctx, events.EventRunStarted, nil)
	case StatusPaused:
		c.logger.Info("eval run restored paused; awaiting resume", "run_id", c.state.RunID)
	}
	c.logger.Info("eval run starting",
		"run_id", c.state.RunID,
		"items", len(c.state.Items),
		"parallelism", c.state.Parallelism,
	)

	sem := semaphore.NewWeighted(int64(c.state.Parallelism))
	outcomes := make(chan caseOutcome, len(c.state.Items)+1)

	inFlight := make(map[types.ID]func())
	cancelled := false
	cancelReason := ""

	if err := c.resumeInFlight(ctx, sem, outcomes, inFlight); err != nil {
		return nil, c.fail(ctx, err)
	}

	for {
		// Admit while a worker slot, an unscheduled item, and a running
		// status all line up.
		for !cancelled && c.Status() == StatusRunning && c.state.NextIndex < len(c.state.Items) && sem.TryAcquire(1) {
			idx := c.state.NextIndex
			cm := c.newCase(idx)

			c.mu.Lock()
			c.state.NextIndex++
			if c.state.InFlight == nil {
				c.state.InFlight = make(map[types.ID]int)
			}
			c.state.InFlight[cm.ID()] = idx
			c.mu.Unlock()
			if err := c.persist(ctx); err != nil {
				return nil, c.fail(ctx, err)
			}

			inFlight[cm.ID()] = c.launch(ctx, cm, sem, outcomes)
		}

		if len(inFlight) == 0 {
			if cancelled {
				break
			}
			if c.state.NextIndex >= len(c.state.Items) {
				break
			}
		}

		select {
		case out := <-outcomes:
			if out.err != nil {
				return nil, c.fail(ctx, out.err)
			}
			delete(inFlight, out.res.CaseID)
			if err := c.recordCase(ctx, out.res); err != nil {
				return nil, c.fail(ctx, err)
			}

		case sig := <-inbox:
			c.ack(ctx, sig)
			switch sig.Type {
			case store.SignalPause:
				if c.Status() == StatusRunning {
					if err := c.setStatus(ctx, StatusPaused); err != nil {
						return nil, c.fail(ctx, err)
					}
					c.emit(ctx, events.EventRunPaused, map[string]any{"reason": sig.Reason})
					c.logger.Info("eval run paused", "run_id", c.state.RunID)
				}
			case store.SignalResume:
				if c.Status() == StatusPaused {
					if err := c.setStatus(ctx, StatusRunning); err != nil {
						return nil, c.fail(ctx, err)
					}
					c.emit(ctx, events.EventRunResumed, nil)
					c.logger.Info("eval run resumed", "run_id", c.state.RunID)
				}
			case store.SignalCancel:
				cancelled = true
				cancelReason = sig.Reason
				for _, cancelCase := range inFlight {
					cancelCase()
				}
				c.logger.Info("eval run cancelling",
					"run_id", c.state.RunID,
					"in_flight", len(inFlight),
				)
			}

		case <-ctx.Done():
			cancelled = true
			cancelReason = ctx.Err().Error()
			for _, cancelCase := range inFlight {
				cancelCase()
			}
		}

		// Cancellation waits for in-flight acknowledgement, but only for a
		// bounded time.
		if cancelled && len(inFlight) > 0 {
			c.drainCancelled(outcomes, inFlight)
			break
		}
	}

	if cancelled {
		return c.terminate(ctx, StatusCancelled, cancelReason)
	}
	return c.terminate(ctx, StatusCompleted, "")
}

// newCase builds the case machine for one dataset item.
func (c *Coordinator) newCase(idx int) *evalcase.Machine {
	item := c.state.Items[idx]

	return evalcase.New(evalcase.Params{
		RunID:           c.state.RunID,
		Input:           item.Input,
		Expected:        item.Expected,
		Scorers:         c.state.Scorers,
		Mode:            c.state.Mode,
		Thresholds:      c.state.Thresholds,
		Weights:         c.state.Weights,
		AgentID:         c.state.AgentID,
		Model:           c.state.Model,
		MaxIterations:   c.state.MaxIterations,
		RequireApproval: c.state.RequireApproval,
	}, c.caller, c.executor, c.engine, c.store, c.hub, c.arena, c.activities, c.caseOptions()...)
}

func (c *Coordinator) caseOptions() []evalcase.Option {
	return []evalcase.Option{
		evalcase.WithLogger(c.logger),
		evalcase.WithEventBus(c.bus),
		evalcase.WithTracer(c.tracer),
	}
}

// resumeInFlight re-drives cases that were admitted but whose results were
// never recorded before the previous process died. Each is restored from
// its own snapshot, so journaled model and tool calls replay instead of
// re-executing; a case that never persisted a snapshot did no work yet and
// is started fresh under a new ID.
func (c *Coordinator) resumeInFlight(ctx context.Context, sem *semaphore.Weighted, outcomes chan<- caseOutcome, inFlight map[types.ID]func()) error {
	c.mu.RLock()
	pending := make(map[types.ID]int, len(c.state.InFlight))
	for id, idx := range c.state.InFlight {
		pending[id] = idx
	}
	c.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	ids := make([]types.ID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return pending[ids[i]] < pending[ids[j]] })

	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}

		cm, err := evalcase.Load(ctx, id, c.store, c.caller, c.executor, c.engine, c.hub, c.arena, c.activities, c.caseOptions()...)
		if store.NotFound(err) {
			cm = c.newCase(pending[id])
			c.mu.Lock()
			delete(c.state.InFlight, id)
			c.state.InFlight[cm.ID()] = pending[id]
			c.mu.Unlock()
			err = c.persist(ctx)
		}
		if err != nil {
			sem.Release(1)
			return err
		}

		c.logger.Info("re-admitting in-flight case",
			"run_id", c.state.RunID,
			"case_id", cm.ID(),
			"item", pending[id],
		)
		inFlight[cm.ID()] = c.launch(ctx, cm, sem, outcomes)
	}
	return nil
}

// launch runs one case machine in its own goroutine and registers its
// handle in the arena. The returned cancel function aborts just this case.
func (c *Coordinator) launch(ctx context.Context, cm *evalcase.Machine, sem *semaphore.Weighted, outcomes chan<- caseOutcome) func() {
	caseCtx, cancelCase := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	if c.arena != nil {
		c.arena.Add(&runtime.Handle{
			ID:     cm.ID(),
			Kind:   store.KindEvalCase,
			Cancel: cancelCase,
			Done:   done,
		})
	}

	go func() {
		defer sem.Release(1)
		defer close(done)
		if c.arena != nil {
			defer c.arena.Remove(cm.ID())
		}

		res, err := cm.Run(caseCtx)
		outcomes <- caseOutcome{res: res, err: err}
	}()

	return cancelCase
}

// recordCase applies one terminal case result to the progress counters.
func (c *Coordinator) recordCase(ctx context.Context, res *evalcase.Result) error {
	c.mu.Lock()
	delete(c.state.InFlight, res.CaseID)
	c.state.CaseResults = append(c.state.CaseResults, *res)
	c.state.Progress.Completed++
	if res.Passed {
		c.state.Progress.Passed++
	} else {
		c.state.Progress.Failed++
	}
	progress := c.state.Progress
	c.mu.Unlock()

	if err := c.persist(ctx); err != nil {
		return err
	}

	c.emitPayload(ctx, events.EventRunProgress, events.RunProgressPayload{
		RunID:     c.state.RunID,
		Completed: progress.Completed,
		Total:     progress.Total,
		Passed:    progress.Passed,
		Failed:    progress.Failed,
	})

	c.logger.Debug("case recorded",
		"run_id", c.state.RunID,
		"case_id", res.CaseID,
		"passed", res.Passed,
		"completed", progress.Completed,
		"total", progress.Total,
	)
	return nil
}

// drainCancelled consumes outcomes from cancelled in-flight cases for up to
// cancelWait; stragglers are abandoned rather than waited on indefinitely.
func (c *Coordinator) drainCancelled(outcomes <-chan caseOutcome, inFlight map[types.ID]func()) {
	timeout := time.After(c.cancelWait)
	for len(inFlight) > 0 {
		select {
		case out := <-outcomes:
			if out.err == nil && out.res != nil {
				delete(inFlight, out.res.CaseID)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.recordCase(ctx, out.res); err != nil {
					c.logger.Warn("failed to record case during cancellation", "error", err)
				}
				cancel()
			}
		case <-timeout:
			c.logger.Warn("cancellation wait expired with cases still in flight",
				"run_id", c.state.RunID,
				"remaining", len(inFlight),
			)
			return
		}
	}
}

// terminate moves the run to a terminal status, setting the summary exactly
// once for completed runs and firing the notifier exactly once.
func (c *Coordinator) terminate(ctx context.Context, status Status, reason string) (*Summary, error) {
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	c.mu.Lock()
	c.state.Status = status
	c.state.Error = reason
	if status == StatusCompleted && c.state.Summary == nil {
		c.state.Summary = &Summary{
			Total:    c.state.Progress.Total,
			Passed:   c.state.Progress.Passed,
			Failed:   c.state.Progress.Failed,
			AvgScore: meanCaseScore(c.state.CaseResults),
		}
	}
	summary := c.state.Summary
	c.mu.Unlock()

	if err := c.persist(persistCtx); err != nil {
		return nil, err
	}
	if err := c.store.ArchiveSnapshot(persistCtx, c.state.RunID); err != nil {
		return nil, err
	}

	eventType := events.EventRunCompleted
	if status == StatusCancelled {
		eventType = events.EventRunCancelled
	}
	c.emit(persistCtx, eventType, map[string]any{"status": string(status)})

	c.notifyOnce(persistCtx, status, summary)

	c.logger.Info("eval run finished",
		"run_id", c.state.RunID,
		"status", status,
		"completed", c.state.Progress.Completed,
		"passed", c.state.Progress.Passed,
		"failed", c.state.Progress.Failed,
	)

	if summary == nil {
		return nil, nil
	}
	s := *summary
	return &s, nil
}

// notifyOnce fires the notification collaborator exactly once per run,
// journaled so a replayed coordinator does not re-notify.
func (c *Coordinator) notifyOnce(ctx context.Context, status Status, summary *Summary) {
	if c.notifier == nil || c.state.Notify == nil {
		return
	}

	event := notify.Event{
		RunID:  c.state.RunID.String(),
		Status: string(status),
	}
	if summary != nil {
		event.Total = summary.Total
		event.Passed = summary.Passed
		event.Failed = summary.Failed
		event.AvgScore = summary.AvgScore
	}

	var sent bool
	err := c.activities.Execute(ctx, c.state.RunID, "notify", &sent, func(ctx context.Context) (any, error) {
		c.notifier.RunCompleted(ctx, *c.state.Notify, event)
		return true, nil
	})
	if err != nil {
		c.logger.Warn("notification dispatch failed", "run_id", c.state.RunID, "error", err)
	}
}

// fail marks the run as failed for infrastructure reasons. This is distinct
// from evaluation failure: summary.failed counts cases, StatusFailed means
// the platform itself broke.
func (c *Coordinator) fail(ctx context.Context, cause error) error {
	c.mu.Lock()
	c.state.Status = StatusFailed
	c.state.Error = cause.Error()
	c.mu.Unlock()

	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.persist(persistCtx); err != nil {
		c.logger.Error("failed to persist run failure", "run_id", c.state.RunID, "error", err)
	}

	c.logger.Error("eval run failed", "run_id", c.state.RunID, "error", cause)
	return types.WrapError(types.RUNTIME_SCHEDULE_FAILED,
		fmt.Sprintf("eval run %s infrastructure failure", c.state.RunID), cause)
}

func (c *Coordinator) setStatus(ctx context.Context, target Status) error {
	c.mu.Lock()
	if c.state.Status == target {
		c.mu.Unlock()
		return nil
	}
	if !c.state.Status.CanTransitionTo(target) {
		current := c.state.Status
		c.mu.Unlock()
		return types.NewError(types.INVALID_STATE,
			fmt.Sprintf("invalid eval run transition %s -> %s", current, target))
	}
	c.state.Status = target
	c.mu.Unlock()
	return c.persist(ctx)
}

func (c *Coordinator) persist(ctx context.Context) error {
	c.mu.RLock()
	state, _, err := store.EncodeState(&c.state)
	status := string(c.state.Status)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	return c.store.SaveSnapshot(ctx, store.Snapshot{
		MachineID: c.state.RunID,
		Kind:      store.KindEvalRun,
		Status:    status,
		State:     state,
	})
}

func (c *Coordinator) emit(ctx context.Context, eventType events.EventType, attrs map[string]any) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.Event{
		Type:      eventType,
		RunID:     c.state.RunID,
		MachineID: c.state.RunID,
		Attrs:     attrs,
	})
}

func (c *Coordinator) emitPayload(ctx context.Context, eventType events.EventType, payload any) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.Event{
		Type:      eventType,
		RunID:     c.state.RunID,
		MachineID: c.state.RunID,
		Payload:   payload,
	})
}

func (c *Coordinator) ack(ctx context.Context, sig store.Signal) {
	if err := c.hub.Ack(ctx, sig.ID); err != nil {
		c.logger.Warn("failed to ack signal", "signal_id", sig.ID, "error", err)
	}
}

// meanCaseScore averages the per-case average scores, 0 if none.
func meanCaseScore(results []evalcase.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.AvgScore
	}
	return sum / float64(len(results))
}
