package vision

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"authflow/internal/domain"
)

// actionSchema constrains the model's reply before it is decoded. "wait" is
// the explicit no-op: the model saw nothing worth doing this turn.
const actionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {
      "type": "string",
      "enum": ["click_at", "type_at", "scroll", "navigate", "key_combo", "go_back", "go_forward", "hover_at", "wait"]
    },
    "args": {"type": "object"},
    "reasoning": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"enum": ["click_at", "hover_at"]}}},
      "then": {
        "properties": {
          "args": {
            "type": "object",
            "required": ["x", "y"],
            "properties": {
              "x": {"type": "integer", "minimum": 0, "maximum": 1000},
              "y": {"type": "integer", "minimum": 0, "maximum": 1000}
            }
          }
        },
        "required": ["args"]
      }
    },
    {
      "if": {"properties": {"kind": {"const": "type_at"}}},
      "then": {
        "properties": {
          "args": {
            "type": "object",
            "required": ["x", "y", "text"],
            "properties": {
              "x": {"type": "integer", "minimum": 0, "maximum": 1000},
              "y": {"type": "integer", "minimum": 0, "maximum": 1000},
              "text": {"type": "string", "minLength": 1}
            }
          }
        },
        "required": ["args"]
      }
    },
    {
      "if": {"properties": {"kind": {"const": "navigate"}}},
      "then": {
        "properties": {
          "args": {
            "type": "object",
            "required": ["url"],
            "properties": {"url": {"type": "string", "minLength": 1}}
          }
        },
        "required": ["args"]
      }
    },
    {
      "if": {"properties": {"kind": {"const": "key_combo"}}},
      "then": {
        "properties": {
          "args": {
            "type": "object",
            "required": ["keys"],
            "properties": {"keys": {"type": "string", "minLength": 1}}
          }
        },
        "required": ["args"]
      }
    }
  ]
}`

var compiledActionSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("action.json", strings.NewReader(actionSchema)); err != nil {
		panic("add action schema: " + err.Error())
	}
	schema, err := c.Compile("action.json")
	if err != nil {
		panic("compile action schema: " + err.Error())
	}
	return schema
}

// parseAction validates and decodes the model's JSON reply. It returns
// (nil, nil) for an explicit "wait". Code fences around the JSON are
// tolerated; anything else that fails the schema is ErrProposerOutput.
func parseAction(raw string) (domain.Action, error) {
	text := stripFences(raw)

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, domain.NewDomainError("parse action", domain.ErrProposerOutput, err.Error())
	}
	if err := compiledActionSchema.Validate(v); err != nil {
		return nil, domain.NewDomainError("parse action", domain.ErrProposerOutput, err.Error())
	}

	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, domain.NewDomainError("parse action", domain.ErrProposerOutput, err.Error())
	}
	if envelope.Kind == "wait" {
		return nil, nil
	}

	action, err := domain.DecodeAction([]byte(text))
	if err != nil {
		return nil, domain.WrapOp("parse action", err)
	}
	return action, nil
}

// stripFences removes a surrounding markdown code fence, if any, and trims
// to the outermost JSON object.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	// Models sometimes wrap the object in prose; cut to the braces.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}
