package providers

import (
	"context"
	"sync"

	"github.com/neon-ai/neon/internal/llm"
)

// MockProvider is a scriptable ModelCaller for tests. Responses are returned
// in the order they were enqueued; when the script is exhausted the last
// response repeats. An enqueued error is consumed like a response.
type MockProvider struct {
	mu        sync.Mutex
	script    []mockStep
	callCount int

	// Requests records every request received, in order.
	Requests []llm.CompletionRequest
}

type mockStep struct {
	resp *llm.CompletionResponse
	err  error
}

// NewMockProvider creates an empty mock provider. With no script it answers
// every request with a plain assistant message.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// EnqueueResponse appends a scripted response.
func (p *MockProvider) EnqueueResponse(resp *llm.CompletionResponse) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, mockStep{resp: resp})
	return p
}

// EnqueueContent appends a scripted plain-text assistant response.
func (p *MockProvider) EnqueueContent(content string) *MockProvider {
	return p.EnqueueResponse(&llm.CompletionResponse{
		Message: llm.NewAssistantMessage(content),
	})
}

// EnqueueToolCalls appends a scripted assistant response containing tool calls.
func (p *MockProvider) EnqueueToolCalls(calls ...llm.ToolCall) *MockProvider {
	return p.EnqueueResponse(&llm.CompletionResponse{
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	})
}

// EnqueueError appends a scripted failure.
func (p *MockProvider) EnqueueError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, mockStep{err: err})
	return p
}

// Name returns the provider name.
func (p *MockProvider) Name() string {
	return "mock"
}

// CallCount returns the number of Complete invocations.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Complete returns the next scripted response.
func (p *MockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, req)
	idx := p.callCount
	p.callCount++

	if len(p.script) == 0 {
		return &llm.CompletionResponse{Message: llm.NewAssistantMessage("ok")}, nil
	}

	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}

	step := p.script[idx]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

var _ llm.ModelCaller = (*MockProvider)(nil)
