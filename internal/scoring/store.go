package scoring

import (
	"sync"
)

// ThresholdStore holds per-workspace threshold configuration. It is an
// explicit handle passed to whoever needs it, not a process-wide singleton.
// Upserts are atomic per workspace key; no cross-key transactions are
// provided or needed.
type ThresholdStore struct {
	mu      sync.RWMutex
	configs map[string]*ThresholdConfig
}

// NewThresholdStore creates an empty threshold store.
func NewThresholdStore() *ThresholdStore {
	return &ThresholdStore{configs: make(map[string]*ThresholdConfig)}
}

// Get returns the configuration for a workspace, or nil when unset (the
// resolver then falls through to environment and hardcoded defaults).
func (s *ThresholdStore) Get(workspace string) *ThresholdConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[workspace]
}

// Set atomically replaces the configuration for a workspace.
func (s *ThresholdStore) Set(workspace string, cfg *ThresholdConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[workspace] = cfg
}

// SetTestThreshold atomically upserts a single per-test threshold within a
// workspace.
func (s *ThresholdStore) SetTestThreshold(workspace, testName string, threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[workspace]
	if !ok {
		cfg = &ThresholdConfig{}
		s.configs[workspace] = cfg
	}
	if cfg.PerTest == nil {
		cfg.PerTest = make(map[string]float64)
	}
	cfg.PerTest[testName] = threshold
}

// Delete removes the configuration for a workspace.
func (s *ThresholdStore) Delete(workspace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, workspace)
}
