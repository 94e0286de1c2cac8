// Package store is the client-side boundary to the durable execution
// substrate. It persists machine snapshots after every state transition,
// journals completed activity results so they are never re-executed after a
// restart, and carries durable signal rows for suspended machines.
//
// Terminal machines are archived, never deleted, so their state remains
// queryable after completion.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/neon-ai/neon/internal/types"
)

// Kind identifies which machine family owns a snapshot.
type Kind string

const (
	KindAgentRun Kind = "agent_run"
	KindEvalCase Kind = "eval_case"
	KindEvalRun  Kind = "eval_run"
)

// Snapshot is one persisted machine state. State is the machine's own
// JSON-encoded state document; Checksum is a SHA256 over State for
// integrity validation on restore.
type Snapshot struct {
	MachineID types.ID        `json:"machine_id"`
	Kind      Kind            `json:"kind"`
	Status    string          `json:"status"`
	State     json.RawMessage `json:"state"`
	Checksum  string          `json:"checksum"`
	Archived  bool            `json:"archived"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SignalType enumerates the external signals a machine can receive.
type SignalType string

const (
	SignalApprove SignalType = "approve"
	SignalReject  SignalType = "reject"
	SignalCancel  SignalType = "cancel"
	SignalPause   SignalType = "pause"
	SignalResume  SignalType = "resume"
)

// IsValid checks if the signal type is a known value.
func (s SignalType) IsValid() bool {
	switch s {
	case SignalApprove, SignalReject, SignalCancel, SignalPause, SignalResume:
		return true
	default:
		return false
	}
}

// Signal targets a specific machine instance by ID. Signals are persisted
// before delivery so a machine that restarts mid-suspension still sees them.
type Signal struct {
	ID        types.ID   `json:"id"`
	MachineID types.ID   `json:"machine_id"`
	Type      SignalType `json:"type"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Store persists machine state for the orchestration machines.
//
// Implementations must make SaveSnapshot atomic per machine ID and
// JournalResult atomic per (machine ID, key); no cross-key transactions are
// required.
type Store interface {
	// SaveSnapshot upserts the machine's current state. The snapshot's
	// checksum is computed by the store over the State document.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the snapshot for a machine, validating its
	// checksum. Returns a STORE_NOT_FOUND error when absent and a
	// STORE_SNAPSHOT_CORRUPT error when the checksum does not match.
	LoadSnapshot(ctx context.Context, machineID types.ID) (*Snapshot, error)

	// ArchiveSnapshot marks a terminal machine as archived. Archived
	// snapshots remain loadable and listable.
	ArchiveSnapshot(ctx context.Context, machineID types.ID) error

	// ListSnapshots returns snapshots of one kind, optionally filtered by
	// status (empty string matches all), newest first.
	ListSnapshots(ctx context.Context, kind Kind, status string) ([]*Snapshot, error)

	// JournalResult records a completed activity result under a per-machine
	// key. Writing the same key twice is a no-op (first write wins), which
	// is what makes activity completion idempotent across restarts.
	JournalResult(ctx context.Context, machineID types.ID, key string, value any) error

	// LookupResult loads a journaled result into the provided destination.
	// The boolean reports whether the key was present.
	LookupResult(ctx context.Context, machineID types.ID, key string, into any) (bool, error)

	// JournalKeys returns the journaled activity keys for a machine in
	// write order, for replay inspection.
	JournalKeys(ctx context.Context, machineID types.ID) ([]string, error)

	// AppendSignal durably records a signal for a machine.
	AppendSignal(ctx context.Context, sig Signal) error

	// PendingSignals returns undelivered signals for a machine in arrival
	// order.
	PendingSignals(ctx context.Context, machineID types.ID) ([]Signal, error)

	// MarkSignalDelivered marks a signal as consumed by its machine.
	MarkSignalDelivered(ctx context.Context, signalID types.ID) error

	// Close releases the underlying resources.
	Close() error
}

// EncodeState marshals a machine state document and returns it with its
// integrity checksum.
func EncodeState(v any) (json.RawMessage, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", types.WrapError(types.STORE_PERSIST_FAILED, "failed to encode machine state", err)
	}
	return data, ComputeChecksum(data), nil
}

// ComputeChecksum returns the hex SHA256 of a state document.
func ComputeChecksum(state []byte) string {
	sum := sha256.Sum256(state)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum validates a snapshot's state document against its stored
// checksum.
func VerifyChecksum(snap *Snapshot) error {
	if snap.Checksum == "" {
		return types.NewError(types.STORE_SNAPSHOT_CORRUPT, "snapshot has no checksum")
	}
	if got := ComputeChecksum(snap.State); got != snap.Checksum {
		return types.NewError(types.STORE_SNAPSHOT_CORRUPT,
			"snapshot checksum mismatch for machine "+snap.MachineID.String())
	}
	return nil
}

// NotFound reports whether err is the store's not-found error.
func NotFound(err error) bool {
	var e *types.Error
	return errors.As(err, &e) && e.Code == types.STORE_NOT_FOUND
}
