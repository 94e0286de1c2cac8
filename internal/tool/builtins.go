package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoTool returns its input verbatim. Useful for smoke datasets and for
// exercising the tool loop without external side effects.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Returns the provided text unchanged." }
func (EchoTool) Sensitive() bool     { return false }

func (EchoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Text to echo back",
			},
		},
		"required": []string{"text"},
	}
}

func (EchoTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid echo arguments: %w", err)
	}
	return input.Text, nil
}

var _ Tool = EchoTool{}
