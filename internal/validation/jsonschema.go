package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/strandworks/strand/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://strandworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "groups"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "groups": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/group" }
    },
    "variables": { "type": "object" },
    "on_error": { "$ref": "#/$defs/policy" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "group": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "parallel": { "type": "boolean" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "capability"],
      "properties": {
        "id": {
          "type": "string",
          "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
        },
        "capability": { "$ref": "#/$defs/capability" },
        "action": { "type": "string" },
        "inputs": { "type": "object" },
        "outputs": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "prompt": { "type": "string" },
        "condition": { "type": "string" },
        "on_error": { "$ref": "#/$defs/policy" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "estimated_cost": {
          "type": "number",
          "minimum": 0
        }
      },
      "additionalProperties": false
    },
    "capability": {
      "type": "object",
      "required": ["category", "provider"],
      "properties": {
        "category": { "type": "string", "minLength": 1 },
        "provider": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 1
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "policy": {
      "type": "string",
      "enum": ["fail", "continue", "retry", "rollback"]
    }
  }
}`

// StructuralValidator checks a workflow document against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type StructuralValidator struct {
	compiled *jsonschema.Schema
}

// NewStructuralValidator compiles the embedded workflow schema.
func NewStructuralValidator() (*StructuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://strandworks.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://strandworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &StructuralValidator{compiled: compiled}, nil
}

// ValidateDefinition checks an already-typed definition by round-tripping
// it through its JSON form.
func (v *StructuralValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}
	raw, err := json.Marshal(def)
	if err != nil {
		result.AddError("", schema.ErrCodeValidation, "workflow definition is not serializable: "+err.Error())
		return result
	}
	return v.ValidateDocument(raw)
}

// ValidateDocument checks a raw JSON workflow document.
func (v *StructuralValidator) ValidateDocument(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("", schema.ErrCodeValidation, "invalid JSON: "+err.Error())
		return result
	}

	if err := v.compiled.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			collectSchemaIssues(verr, result)
		} else {
			result.AddError("", schema.ErrCodeValidation, err.Error())
		}
	}
	return result
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		*target = verr
		return true
	}
	return false
}

// collectSchemaIssues flattens the validation error tree into
// field-level issues: leaves carry the actual violations.
func collectSchemaIssues(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		path := "/"
		if len(verr.InstanceLocation) > 0 {
			path = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(path, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectSchemaIssues(cause, result)
	}
}
