// Package runtime provides the scheduling primitives the orchestration
// machines run on: journaled activity execution with timeout and bounded
// backoff retries, a signal hub delivering durable signals to live machine
// inboxes, and an arena of child handles so nested machines are addressed
// by ID rather than by recursive calls.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/types"
)

// RetryPolicy bounds activity retries. Retries apply only to errors marked
// retryable; validation errors fail fast on the first attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialInterval is the backoff before the second attempt; each
	// subsequent backoff doubles.
	InitialInterval time.Duration

	// AttemptTimeout bounds each individual attempt. Zero means no
	// per-attempt timeout beyond the caller's context.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured:
// 3 attempts, 500ms initial backoff, 60s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		AttemptTimeout:  60 * time.Second,
	}
}

// Activities executes collaborator calls on behalf of a machine, recording
// each completed result in the durable journal keyed by (machine ID, key).
// A key that is already journaled is returned from the journal without
// re-executing the call: an LLM call that already billed or a tool call
// that already mutated external state is not repeated after a restart.
type Activities struct {
	store  store.Store
	policy RetryPolicy
	logger *slog.Logger
}

// ActivityOption configures an Activities instance.
type ActivityOption func(*Activities)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ActivityOption {
	return func(a *Activities) {
		if policy.MaxAttempts > 0 {
			a.policy = policy
		}
	}
}

// WithActivityLogger sets the logger for activity execution.
func WithActivityLogger(logger *slog.Logger) ActivityOption {
	return func(a *Activities) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewActivities creates an activity executor backed by the given store.
func NewActivities(st store.Store, opts ...ActivityOption) *Activities {
	a := &Activities{
		store:  st,
		policy: DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs fn at most once per (machineID, key) and decodes the result
// into `into` (a pointer). If the key is already journaled the recorded
// result is returned and fn is never invoked.
//
// fn is retried with exponential backoff while it returns retryable errors,
// up to the policy's attempt bound; the final error is then surfaced as a
// non-retryable ACTIVITY_RETRIES_EXHAUSTED error for the owning machine to
// handle as a terminal failure.
func (a *Activities) Execute(ctx context.Context, machineID types.ID, key string, into any, fn func(ctx context.Context) (any, error)) error {
	found, err := a.store.LookupResult(ctx, machineID, key, into)
	if err != nil {
		return err
	}
	if found {
		a.logger.Debug("activity replayed from journal", "machine_id", machineID, "key", key)
		return nil
	}

	result, err := a.run(ctx, machineID, key, fn)
	if err != nil {
		return err
	}

	if err := a.store.JournalResult(ctx, machineID, key, result); err != nil {
		return err
	}

	// Round-trip through JSON so replayed and fresh results are identical.
	data, err := json.Marshal(result)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to encode activity result", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "failed to decode activity result", err)
	}
	return nil
}

func (a *Activities) run(ctx context.Context, machineID types.ID, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for attempt := 0; attempt < a.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := a.policy.InitialInterval * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if a.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, a.policy.AttemptTimeout)
		}

		result, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !types.IsRetryable(err) {
			return nil, err
		}

		a.logger.Warn("activity attempt failed, retrying",
			"machine_id", machineID,
			"key", key,
			"attempt", attempt+1,
			"max_attempts", a.policy.MaxAttempts,
			"error", err,
		)
	}

	return nil, types.WrapError(types.ACTIVITY_RETRIES_EXHAUSTED,
		"activity retries exhausted for "+key, lastErr)
}
