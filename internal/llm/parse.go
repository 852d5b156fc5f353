package llm

import (
	"encoding/json"
	"fmt"
)

// ParseToolCall extracts (name, arguments) from any of the response shapes
// the provider family emits, searched in a fixed order: top-level output
// items, items nested in output[0].content, then the legacy chat shapes.
// Arguments stored as JSON strings are parsed; missing or malformed
// arguments degrade to an empty object.
func ParseToolCall(resp Response) (string, map[string]any, error) {
	if items, ok := resp.Body["output"].([]any); ok {
		for _, it := range items {
			if name, args, ok := toolCallItem(it); ok {
				return name, args, nil
			}
		}
		if len(items) > 0 {
			if first, ok := items[0].(map[string]any); ok {
				if content, ok := first["content"].([]any); ok {
					for _, it := range content {
						if name, args, ok := toolCallItem(it); ok {
							return name, args, nil
						}
					}
				}
			}
		}
	}
	if name, args, ok := legacyToolCall(resp.Body); ok {
		return name, args, nil
	}
	return "", nil, fmt.Errorf("no tool call in response")
}

func toolCallItem(it any) (string, map[string]any, bool) {
	m, ok := it.(map[string]any)
	if !ok {
		return "", nil, false
	}
	typ, _ := m["type"].(string)
	switch typ {
	case "tool_call", "function_call":
		name, _ := m["name"].(string)
		if name == "" {
			return "", nil, false
		}
		return name, parseArgs(m["arguments"]), true
	case "tool_use":
		name, _ := m["name"].(string)
		if name == "" {
			return "", nil, false
		}
		return name, parseArgs(m["input"]), true
	}
	return "", nil, false
}

func legacyToolCall(body map[string]any) (string, map[string]any, bool) {
	choices, ok := body["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", nil, false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", nil, false
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return "", nil, false
	}
	if calls, ok := message["tool_calls"].([]any); ok && len(calls) > 0 {
		if call, ok := calls[0].(map[string]any); ok {
			if fn, ok := call["function"].(map[string]any); ok {
				if name, _ := fn["name"].(string); name != "" {
					return name, parseArgs(fn["arguments"]), true
				}
			}
		}
	}
	if fn, ok := message["function_call"].(map[string]any); ok {
		if name, _ := fn["name"].(string); name != "" {
			return name, parseArgs(fn["arguments"]), true
		}
	}
	return "", nil, false
}

func parseArgs(v any) map[string]any {
	switch args := v.(type) {
	case map[string]any:
		return args
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(args), &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{}
}
