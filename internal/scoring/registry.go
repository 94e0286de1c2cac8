package scoring

import (
	"sort"
	"sync"

	"github.com/neon-ai/neon/internal/types"
)

// Registry holds named scorers. Scorers are registered at startup; reads
// during evaluation take only a read lock. Lookups of unknown names return
// a typed not-found error rather than silently skipping.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

// NewRegistry creates an empty scorer registry.
func NewRegistry() *Registry {
	return &Registry{scorers: make(map[string]Scorer)}
}

// NewDefaultRegistry creates a registry with the built-in rule scorers
// registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ExactMatchScorer{})
	r.Register(ContainsScorer{})
	r.Register(RegexScorer{})
	r.Register(JSONValidScorer{})
	return r
}

// Register adds a scorer, replacing any scorer with the same name.
func (r *Registry) Register(s Scorer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scorers[s.Name()] = s
}

// Get returns the named scorer or a SCORER_NOT_FOUND error.
func (r *Registry) Get(name string) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scorers[name]
	if !ok {
		return nil, types.NewError(types.SCORER_NOT_FOUND, "scorer not found: "+name)
	}
	return s, nil
}

// Names returns the registered scorer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scorers))
	for name := range r.scorers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
