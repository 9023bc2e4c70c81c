package planner

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// todoListSchemaJSON is the JSON Schema a TodoList document must satisfy
// before it is accepted, mirroring the registry's tool-payload validation
// boundary: schema enforcement happens once, at ingestion, so every
// downstream package can trust the shape of a *TodoList without re-checking
// it.
const todoListSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_id", "metadata", "items"],
  "properties": {
    "workflow_id": {"type": "string", "minLength": 1},
    "metadata": {
      "type": "object",
      "required": ["auto_fix_mode", "max_branch_depth", "max_debug_attempts"],
      "properties": {
        "auto_fix_mode": {"type": "boolean"},
        "max_branch_depth": {"type": "integer", "minimum": 0},
        "max_debug_attempts": {"type": "integer", "minimum": 0}
      }
    },
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "title", "agent_role"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "agent_role": {"type": "string", "enum": ["architect", "coder", "tester", "debugger"]},
          "dependency_ids": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer"},
          "max_retries": {"type": "integer", "minimum": 0},
          "timeout_seconds": {"type": "integer", "minimum": 0},
          "acceptance_criteria": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["test_command"],
              "properties": {
                "test_command": {"type": "string", "minLength": 1},
                "timeout_seconds": {"type": "integer", "minimum": 0},
                "expected_artifact": {"type": "string"},
                "metric_assertions": {"type": "object"}
              }
            }
          },
          "failure_routing": {"type": "object", "additionalProperties": {"type": "string"}},
          "fixture_refs": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(todoListSchemaJSON), &doc); err != nil {
			schemaErr = fmt.Errorf("planner: unmarshal todo-list schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("todolist.json", doc); err != nil {
			schemaErr = fmt.Errorf("planner: add todo-list schema resource: %w", err)
			return
		}
		s, err := c.Compile("todolist.json")
		if err != nil {
			schemaErr = fmt.Errorf("planner: compile todo-list schema: %w", err)
			return
		}
		schema = s
	})
	return schema, schemaErr
}

// Validate checks raw TodoList JSON against the schema without unmarshalling
// it into a *TodoList, so a caller can reject malformed Planner input before
// paying for struct decoding.
func Validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("planner: unmarshal todo list: %w", err)
	}
	return s.Validate(doc)
}

// Parse validates data against the TodoList schema and decodes it.
func Parse(data []byte) (*TodoList, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var list TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("planner: decode todo list: %w", err)
	}
	return &list, nil
}
