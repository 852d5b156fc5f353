package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anchorsec/anchor/internal/finding"
)

const (
	discoverSchema = `{
  "type": "object",
  "properties": {
    "schema_version": {"const": 1},
    "stage": {"const": "discover"},
    "claim": {"type": "string", "minLength": 1},
    "evidence": {
      "type": "object",
      "properties": {
        "highlights": {
          "type": "array",
          "minItems": 1,
          "maxItems": 3,
          "items": {
            "type": "object",
            "properties": {
              "path": {"type": "string", "minLength": 1},
              "region": {
                "type": "object",
                "properties": {
                  "start_line": {"type": "integer", "minimum": 1},
                  "end_line": {"type": "integer", "minimum": 1}
                },
                "required": ["start_line", "end_line"]
              },
              "why": {"type": "string"}
            },
            "required": ["path", "region"]
          }
        }
      },
      "required": ["highlights"]
    }
  },
  "required": ["schema_version", "stage", "claim", "evidence"]
}`

	execSchema = `{
  "type": "object",
  "properties": {
    "schema_version": {"const": 1},
    "stage": {"const": "exec"},
    "summary": {"type": "string"},
    "citations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "start_line": {"type": "integer"},
          "end_line": {"type": "integer"},
          "sha1": {"type": "string"}
        },
        "required": ["path", "start_line", "end_line"]
      }
    },
    "notes": {"type": "string"}
  },
  "required": ["schema_version", "stage", "summary", "citations"]
}`
)

var (
	compileOnce      sync.Once
	discoverCompiled *jsonschema.Schema
	execCompiled     *jsonschema.Schema
)

func compiled() (*jsonschema.Schema, *jsonschema.Schema) {
	compileOnce.Do(func() {
		discoverCompiled = mustCompile("discover.json", discoverSchema)
		execCompiled = mustCompile("exec.json", execSchema)
	})
	return discoverCompiled, execCompiled
}

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(err)
	}
	return s
}

// validateDiscoverReply checks the discovery reply and truncates excess
// highlights to three before validation.
func validateDiscoverReply(raw []byte) (json.RawMessage, error) {
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if ev, ok := v["evidence"].(map[string]any); ok {
		if hl, ok := ev["highlights"].([]any); ok && len(hl) > 3 {
			ev["highlights"] = hl[:3]
		}
	}
	ds, _ := compiled()
	if err := ds.Validate(v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// validateExecReply checks an exec reply against the observation schema.
func validateExecReply(raw []byte) (finding.Observation, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return finding.Observation{}, fmt.Errorf("not valid JSON: %w", err)
	}
	_, es := compiled()
	if err := es.Validate(v); err != nil {
		return finding.Observation{}, err
	}
	var obs finding.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return finding.Observation{}, err
	}
	if obs.Citations == nil {
		obs.Citations = []finding.Citation{}
	}
	return obs, nil
}
