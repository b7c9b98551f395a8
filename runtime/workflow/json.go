package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nervemind/nervemind/runtime/engineerrors"
)

// documentSchema is the JSON Schema for canonical workflow documents. It
// guards shape before graph validation so decode failures name the offending
// field instead of surfacing as scheduler errors mid-run.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "nodes", "connections", "triggerType"],
  "properties": {
    "id": {"type": "integer"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "active": {"type": "boolean"},
    "triggerType": {"enum": ["manual", "schedule", "webhook", "file"]},
    "schedule": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "settings": {"type": "object"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "name"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "parameters": {"type": "object"},
          "credentialId": {"type": "integer"},
          "disabled": {"type": "boolean"},
          "notes": {"type": "string"}
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "sourceNodeId", "targetNodeId"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "sourceNodeId": {"type": "string", "minLength": 1},
          "targetNodeId": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": "string"},
          "targetHandle": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(documentSchema), &doc); err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("workflow.json", doc); err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	s, err := c.Compile("workflow.json")
	if err != nil {
		panic(fmt.Sprintf("workflow schema: %v", err))
	}
	return s
}

// Decode parses a canonical workflow JSON document, validating it against the
// document schema first. Schema violations surface as config errors naming
// the violated constraint.
func Decode(data []byte) (*Workflow, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engineerrors.NewWithCause(engineerrors.KindConfig, "workflow document is not valid JSON", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, engineerrors.NewWithCause(engineerrors.KindConfig, "workflow document failed schema validation", err)
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, engineerrors.NewWithCause(engineerrors.KindConfig, "workflow document decode failed", err)
	}
	for i := range w.Connections {
		w.Connections[i].SourceHandle = NormalizeHandle(w.Connections[i].SourceHandle)
		w.Connections[i].TargetHandle = NormalizeHandle(w.Connections[i].TargetHandle)
	}
	return &w, nil
}

// Encode renders the workflow as canonical JSON.
func Encode(w *Workflow) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %d: %w", w.ID, err)
	}
	return data, nil
}
