package llm

import (
	"context"
	"sort"
	"sync"
)

// ModelCaller is the model-call collaborator consumed by the orchestration
// machines. Implementations live in the providers subpackage; tests use the
// scriptable mock there.
//
// Complete fails with a retryable error on network/timeout faults and a
// non-retryable validation error on malformed requests.
type ModelCaller interface {
	// Name returns the provider name.
	Name() string

	// Complete performs a synchronous completion with the full message
	// history and tool definitions from the request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Registry holds named ModelCaller implementations. Providers are registered
// at startup; lookups are read-mostly and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	callers map[string]ModelCaller
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]ModelCaller)}
}

// Register adds a provider to the registry, replacing any provider with the
// same name.
func (r *Registry) Register(caller ModelCaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[caller.Name()] = caller
}

// Get returns the named provider or a not-found error.
func (r *Registry) Get(name string) (ModelCaller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, ok := r.callers[name]
	if !ok {
		return nil, NewProviderNotFoundError(name)
	}
	return caller, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
