package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/neon-ai/neon/internal/types"
)

// MemoryStore is an in-memory Store used by tests and by embedded runs that
// do not need crash durability. It honors the same atomicity and
// first-write-wins journal semantics as the SQLite store.
type MemoryStore struct {
	mu           sync.RWMutex
	snapshots    map[types.ID]*Snapshot
	journal      map[types.ID]map[string]json.RawMessage
	journalOrder map[types.ID][]string
	signals      []Signal
	delivered    map[types.ID]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:    make(map[types.ID]*Snapshot),
		journal:      make(map[types.ID]map[string]json.RawMessage),
		journalOrder: make(map[types.ID][]string),
		delivered:    make(map[types.ID]bool),
	}
}

// SaveSnapshot upserts the machine's current state.
func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.MachineID.IsZero() {
		return types.NewValidationError("snapshot machine ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stateCopy := make(json.RawMessage, len(snap.State))
	copy(stateCopy, snap.State)

	stored := &Snapshot{
		MachineID: snap.MachineID,
		Kind:      snap.Kind,
		Status:    snap.Status,
		State:     stateCopy,
		Checksum:  ComputeChecksum(stateCopy),
		UpdatedAt: now,
	}

	if prev, ok := m.snapshots[snap.MachineID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.Archived = prev.Archived
	} else {
		stored.CreatedAt = now
	}

	m.snapshots[snap.MachineID] = stored
	return nil
}

// LoadSnapshot returns the snapshot for a machine, validating its checksum.
func (m *MemoryStore) LoadSnapshot(ctx context.Context, machineID types.ID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[machineID]
	if !ok {
		return nil, types.NewError(types.STORE_NOT_FOUND, "no snapshot for machine "+machineID.String())
	}

	cp := *snap
	if err := VerifyChecksum(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ArchiveSnapshot marks a terminal machine as archived.
func (m *MemoryStore) ArchiveSnapshot(ctx context.Context, machineID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[machineID]
	if !ok {
		return types.NewError(types.STORE_NOT_FOUND, "no snapshot for machine "+machineID.String())
	}
	snap.Archived = true
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

// ListSnapshots returns snapshots of one kind, newest first.
func (m *MemoryStore) ListSnapshots(ctx context.Context, kind Kind, status string) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Snapshot
	for _, snap := range m.snapshots {
		if snap.Kind != kind {
			continue
		}
		if status != "" && snap.Status != status {
			continue
		}
		cp := *snap
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// JournalResult records a completed activity result. First write wins.
func (m *MemoryStore) JournalResult(ctx context.Context, machineID types.ID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return types.WrapError(types.STORE_PERSIST_FAILED, "failed to encode journal result", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.journal[machineID]
	if !ok {
		entries = make(map[string]json.RawMessage)
		m.journal[machineID] = entries
	}
	if _, exists := entries[key]; exists {
		return nil
	}
	entries[key] = data
	m.journalOrder[machineID] = append(m.journalOrder[machineID], key)
	return nil
}

// LookupResult loads a journaled result into the provided destination.
func (m *MemoryStore) LookupResult(ctx context.Context, machineID types.ID, key string, into any) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.journal[machineID]
	if !ok {
		return false, nil
	}
	data, ok := entries[key]
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(data, into); err != nil {
		return false, types.WrapError(types.STORE_QUERY_FAILED, "failed to decode journal result", err)
	}
	return true, nil
}

// JournalKeys returns the journaled activity keys for a machine in write
// order.
func (m *MemoryStore) JournalKeys(ctx context.Context, machineID types.ID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.journalOrder[machineID]
	out := make([]string, len(keys))
	copy(out, keys)
	return out, nil
}

// AppendSignal durably records a signal for a machine.
func (m *MemoryStore) AppendSignal(ctx context.Context, sig Signal) error {
	if !sig.Type.IsValid() {
		return types.NewValidationError("invalid signal type: " + string(sig.Type))
	}
	if sig.ID.IsZero() {
		sig.ID = types.NewID()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, sig)
	return nil
}

// PendingSignals returns undelivered signals for a machine in arrival order.
func (m *MemoryStore) PendingSignals(ctx context.Context, machineID types.ID) ([]Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Signal
	for _, sig := range m.signals {
		if sig.MachineID == machineID && !m.delivered[sig.ID] {
			out = append(out, sig)
		}
	}
	return out, nil
}

// MarkSignalDelivered marks a signal as consumed by its machine.
func (m *MemoryStore) MarkSignalDelivered(ctx context.Context, signalID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[signalID] = true
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
