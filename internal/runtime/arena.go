package runtime

import (
	"sync"

	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/types"
)

// Handle addresses one live machine instance. Composition of nested
// machines (coordinator -> case -> agent run) goes through handles indexed
// by ID, not recursive calls, so persistence and cancellation can target
// any nested machine independently.
type Handle struct {
	ID     types.ID
	Kind   store.Kind
	Cancel func()
	Done   <-chan struct{}
}

// Arena tracks the live machine instances in this process.
type Arena struct {
	mu       sync.RWMutex
	machines map[types.ID]*Handle
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{machines: make(map[types.ID]*Handle)}
}

// Add registers a live machine handle.
func (a *Arena) Add(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machines[h.ID] = h
}

// Remove drops a machine handle, typically on terminal status.
func (a *Arena) Remove(id types.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.machines, id)
}

// Get returns the handle for a machine, if live.
func (a *Arena) Get(id types.ID) (*Handle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.machines[id]
	return h, ok
}

// CancelMachine cancels one live machine. Returns false if the machine is
// not live (already terminal or never started here).
func (a *Arena) CancelMachine(id types.ID) bool {
	a.mu.RLock()
	h, ok := a.machines[id]
	a.mu.RUnlock()

	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Live returns the IDs of all live machines, optionally filtered by kind.
func (a *Arena) Live(kind store.Kind) []types.ID {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ids []types.ID
	for id, h := range a.machines {
		if kind == "" || h.Kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}
