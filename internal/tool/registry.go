package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/types"
)

// Registry holds named tools and doubles as the in-process Executor.
// Tools are registered at startup; lookups during evaluation are
// read-mostly and take only a read lock.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool or a not-found error; lookups never silently
// skip unknown names.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, NewToolNotFoundError(name)
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns tool definitions for all registered tools, sorted by name.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
			Sensitive:   t.Sensitive(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// IsSensitive reports whether the named tool is approval-gated. Unknown
// tools report false; execution will fail with a not-found error instead.
func (r *Registry) IsSensitive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return ok && t.Sensitive()
}

// Execute dispatches one model-issued tool call to the registered tool.
func (r *Registry) Execute(ctx context.Context, traceID string, call llm.ToolCall) (string, error) {
	if err := call.Validate(); err != nil {
		return "", types.WrapError(ErrToolArguments, "invalid tool call", err)
	}

	t, err := r.Get(call.Name)
	if err != nil {
		return "", err
	}

	output, err := t.Execute(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		if types.IsRetryable(err) {
			return "", types.WrapRetryableError(ErrToolExecution, "tool execution failed: "+call.Name, err)
		}
		return "", types.WrapError(ErrToolExecution, "tool execution failed: "+call.Name, err)
	}
	return output, nil
}

var _ Executor = (*Registry)(nil)
