// Package validator provides JSON schema validation for flowtrack request bodies.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates flow definitions, run creation and record payloads.
type Validator struct {
	flowSchema     *jsonschema.Schema
	runSchema      *jsonschema.Schema
	recordSchema   *jsonschema.Schema
	finalizeSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	resources := map[string]string{
		"flow.json":     flowSchemaJSON,
		"run.json":      runSchemaJSON,
		"record.json":   recordSchemaJSON,
		"finalize.json": finalizeSchemaJSON,
	}
	for name, schema := range resources {
		if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
	}

	v := &Validator{}
	for name, dst := range map[string]**jsonschema.Schema{
		"flow.json":     &v.flowSchema,
		"run.json":      &v.runSchema,
		"record.json":   &v.recordSchema,
		"finalize.json": &v.finalizeSchema,
	} {
		s, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		*dst = s
	}
	return v, nil
}

// ValidateFlowJSON validates a JSON-encoded flow registration body.
func (v *Validator) ValidateFlowJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.flowSchema, data)
}

// ValidateRunJSON validates a JSON-encoded run creation body.
func (v *Validator) ValidateRunJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.runSchema, data)
}

// ValidateRecordJSON validates a JSON-encoded record append body.
func (v *Validator) ValidateRecordJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.recordSchema, data)
}

// ValidateFinalizeJSON validates a JSON-encoded finalize body.
func (v *Validator) ValidateFinalizeJSON(data []byte) *ValidationResult {
	return v.validateJSON(v.finalizeSchema, data)
}

func (v *Validator) validateJSON(schema *jsonschema.Schema, data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.validate(schema, doc)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// Embedded JSON schemas

const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "flow.json",
  "title": "Flow Registration",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 256
    },
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        }
      }
    },
    "metadata": {"type": "object"}
  }
}`

const runSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "run.json",
  "title": "Run Creation",
  "type": "object",
  "required": ["flow_id"],
  "properties": {
    "flow_id": {"type": "string", "minLength": 1},
    "parameters": {"type": "object"}
  }
}`

const recordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "record.json",
  "title": "Flow Record",
  "type": "object",
  "required": ["step_name", "data"],
  "properties": {
    "step_name": {"type": "string", "minLength": 1},
    "record_id": {
      "type": "string",
      "pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
    },
    "data": {"type": "object"}
  }
}`

const finalizeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "finalize.json",
  "title": "Run Finalize",
  "type": "object",
  "required": ["outcome"],
  "properties": {
    "outcome": {"type": "string", "enum": ["success", "failure"]},
    "error": {"type": "string"}
  }
}`
