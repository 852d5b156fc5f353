package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolDef describes one callable tool in provider-neutral form. Parameters
// is a JSON Schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompileSchema compiles the tool's parameter schema for argument
// validation.
func (t ToolDef) CompileSchema() (*jsonschema.Schema, error) {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
	}
	return s, nil
}

// ValidateArgs checks extracted tool arguments against the parameter schema.
func (t ToolDef) ValidateArgs(args map[string]any) error {
	s, err := t.CompileSchema()
	if err != nil {
		return err
	}
	// The validator wants plain decoded JSON values.
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("tool %s args: %w", t.Name, err)
	}
	return nil
}

func conditionItemSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"desc":   map[string]any{"type": "string"},
			"why":    map[string]any{"type": "string"},
			"accept": map[string]any{"type": "string"},
			"reject": map[string]any{"type": "string"},
			"suggested_tasks": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"desc", "accept", "reject"},
	}
}

// EmitConditionsTool is the derive/narrow tool: 1-5 conditions, each with an
// ACCEPT/REJECT contract.
func EmitConditionsTool() ToolDef {
	return ToolDef{
		Name:        "emit_conditions",
		Description: "Emit the minimal set of objectively checkable conditions that decide the claim.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"schema_version": map[string]any{"type": "integer"},
				"stage":          map[string]any{"type": "string"},
				"conditions": map[string]any{
					"type":     "array",
					"minItems": 1,
					"maxItems": 5,
					"items":    conditionItemSchema(),
				},
			},
			"required": []any{"schema_version", "stage", "conditions"},
		},
	}
}

// EmitTasksTool is the plan tool: 1-3 evidence-gathering tasks.
func EmitTasksTool() ToolDef {
	return ToolDef{
		Name:        "emit_tasks",
		Description: "Emit evidence-gathering tasks that test the condition's ACCEPT against REJECT.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"schema_version": map[string]any{"type": "integer"},
				"stage":          map[string]any{"type": "string"},
				"tasks": map[string]any{
					"type":     "array",
					"minItems": 1,
					"maxItems": 3,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"task": map[string]any{"type": "string"},
							"why":  map[string]any{"type": "string"},
							"mode": map[string]any{"type": "string", "enum": []any{"exec"}},
						},
						"required": []any{"task", "mode"},
					},
				},
			},
			"required": []any{"schema_version", "stage", "tasks"},
		},
	}
}

// JudgeConditionTool is the judge tool: a state plus the evidence indices the
// verdict rests on.
func JudgeConditionTool() ToolDef {
	return ToolDef{
		Name:        "judge_condition",
		Description: "Judge the condition against its ACCEPT/REJECT contract using the supplied observation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"schema_version": map[string]any{"type": "integer"},
				"stage":          map[string]any{"type": "string"},
				"state": map[string]any{
					"type": "string",
					"enum": []any{"satisfied", "failed", "unknown"},
				},
				"rationale": map[string]any{"type": "string"},
				"evidence_refs": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "integer"},
				},
			},
			"required": []any{"schema_version", "stage", "state", "rationale", "evidence_refs"},
		},
	}
}
