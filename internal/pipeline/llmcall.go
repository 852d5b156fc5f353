package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anchorsec/anchor/internal/llm"
)

// callTool runs one forced tool call and returns the validated arguments.
func (e *Engine) callTool(ctx context.Context, tool llm.ToolDef, system string, payload map[string]any) (map[string]any, error) {
	user, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := e.LLM.Generate(ctx, llm.Request{
		Model: e.Opts.Model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(user)},
		},
		Tools:           []llm.ToolDef{tool},
		ToolChoice:      tool.Name,
		ReasoningEffort: e.Opts.ReasoningEffort,
		ServiceTier:     e.Opts.ServiceTier,
	})
	if err != nil {
		return nil, err
	}
	name, args, err := llm.ParseToolCall(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tool.Name, err)
	}
	if name != tool.Name {
		return nil, fmt.Errorf("forced %s but model called %s", tool.Name, name)
	}
	if err := tool.ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intSlice(v any) []int {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, it := range items {
		if n, ok := it.(float64); ok {
			out = append(out, int(n))
		}
	}
	return out
}
