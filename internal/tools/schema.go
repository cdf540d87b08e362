package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var paramTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

type compiledSchema struct {
	raw      json.RawMessage
	schema   *jsonschema.Schema
	defaults map[string]any
}

// buildSchema renders params as a JSON schema object.
func buildSchema(params Parameters) (json.RawMessage, error) {
	properties := make(map[string]any, len(params))
	required := make([]string, 0)
	for name, p := range params {
		if !paramTypes[p.Type] {
			return nil, fmt.Errorf("parameter %s: unsupported type %q", name, p.Type)
		}
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		if p.MinLength != nil {
			prop["minLength"] = *p.MinLength
		}
		if p.MaxLength != nil {
			prop["maxLength"] = *p.MaxLength
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

// compileSchema compiles raw and extracts the top-level property defaults.
func compileSchema(name string, raw json.RawMessage) (*compiledSchema, error) {
	compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}

	var doc struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Type != "" && doc.Type != "object" {
		return nil, fmt.Errorf("top-level schema type must be object, got %q", doc.Type)
	}

	defaults := make(map[string]any)
	for prop, body := range doc.Properties {
		var p struct {
			Default any `json:"default"`
		}
		if err := json.Unmarshal(body, &p); err == nil && p.Default != nil {
			defaults[prop] = p.Default
		}
	}

	return &compiledSchema{raw: raw, schema: compiled, defaults: defaults}, nil
}

// validate decodes params, fills defaults and validates the result.
func (s *compiledSchema) validate(tool string, params json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}
	if len(params) > MaxParamsSize {
		return nil, &InputValidationError{
			Tool:       tool,
			Violations: []Violation{{Message: fmt.Sprintf("parameters exceed %d bytes", MaxParamsSize)}},
		}
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return nil, &InputValidationError{
			Tool:       tool,
			Violations: []Violation{{Message: "parameters are not valid JSON: " + err.Error()}},
			Err:        err,
		}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &InputValidationError{
			Tool:       tool,
			Violations: []Violation{{Message: "parameters must be a JSON object"}},
		}
	}
	for name, value := range s.defaults {
		if _, present := obj[name]; !present {
			obj[name] = value
		}
	}

	if err := s.schema.Validate(obj); err != nil {
		verr := &InputValidationError{Tool: tool, Err: err}
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			verr.Violations = violations(ve)
		}
		return nil, verr
	}
	return json.Marshal(obj)
}

// violations flattens a validation error tree into its leaf messages.
func violations(err *jsonschema.ValidationError) []Violation {
	var out []Violation
	for _, e := range err.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		out = append(out, Violation{Location: e.InstanceLocation, Message: e.Error})
	}
	if len(out) == 0 {
		out = append(out, Violation{Location: err.InstanceLocation, Message: err.Message})
	}
	return out
}
