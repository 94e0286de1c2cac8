package runtime

import (
	"context"
	"sync"

	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/types"
)

// SignalHub routes external signals (approve, reject, cancel, pause, resume)
// to machine inboxes. Every signal is persisted before delivery, so a
// machine that is restarted while suspended still observes signals sent in
// the interim via store.PendingSignals.
//
// Delivery to a live inbox is non-blocking; the durable row is the source of
// truth and the channel send is only a wake-up.
type SignalHub struct {
	store store.Store

	mu      sync.RWMutex
	inboxes map[types.ID]chan store.Signal
}

// NewSignalHub creates a hub backed by the given store.
func NewSignalHub(st store.Store) *SignalHub {
	return &SignalHub{
		store:   st,
		inboxes: make(map[types.ID]chan store.Signal),
	}
}

// Register creates a live inbox for a machine. The returned cleanup function
// must be called when the machine terminates. Any signals already pending in
// the store are delivered into the inbox immediately.
func (h *SignalHub) Register(ctx context.Context, machineID types.ID) (<-chan store.Signal, func(), error) {
	inbox := make(chan store.Signal, 16)

	h.mu.Lock()
	h.inboxes[machineID] = inbox
	h.mu.Unlock()

	cleanup := func() {
		h.mu.Lock()
		delete(h.inboxes, machineID)
		h.mu.Unlock()
	}

	pending, err := h.store.PendingSignals(ctx, machineID)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	for _, sig := range pending {
		select {
		case inbox <- sig:
		default:
		}
	}

	return inbox, cleanup, nil
}

// Send persists a signal and wakes the target machine if it is live.
func (h *SignalHub) Send(ctx context.Context, machineID types.ID, sigType store.SignalType, reason string) error {
	if !sigType.IsValid() {
		return types.NewValidationError("invalid signal type: " + string(sigType))
	}

	sig := store.Signal{
		ID:        types.NewID(),
		MachineID: machineID,
		Type:      sigType,
		Reason:    reason,
	}

	if err := h.store.AppendSignal(ctx, sig); err != nil {
		return err
	}

	h.mu.RLock()
	inbox, ok := h.inboxes[machineID]
	h.mu.RUnlock()

	if ok {
		select {
		case inbox <- sig:
		default:
			// Inbox full; the machine will pick the durable row up on its
			// next PendingSignals drain.
		}
	}

	return nil
}

// Ack marks a signal as consumed by its machine.
func (h *SignalHub) Ack(ctx context.Context, signalID types.ID) error {
	return h.store.MarkSignalDelivered(ctx, signalID)
}
