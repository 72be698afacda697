// Package capability validates plugin parameters against
// plugin-declared schemas and routes high-level dispatch actions onto
// the session layer.
package capability

import (
	"encoding/json"
	"fmt"
)

// Schema is the small subset of JSON Schema this validator understands:
// a scalar or array "type", a "required" list, an "enum" list, and
// nested "properties" for object schemas. Every other keyword is
// ignored rather than rejected.
type Schema struct {
	Type       json.RawMessage    `json:"type,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Enum       []any              `json:"enum,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
}

// ValidationError describes one schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks instance (already-decoded JSON, i.e. the result of
// json.Unmarshal into an any) against schema, returning every violation
// found. A nil schema always validates.
func Validate(schema *Schema, instance any) []ValidationError {
	if schema == nil {
		return nil
	}
	return validateAt("", schema, instance)
}

func validateAt(path string, schema *Schema, instance any) []ValidationError {
	var errs []ValidationError

	if len(schema.Type) > 0 {
		if !matchesType(schema.Type, instance) {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("does not match declared type %s", schema.Type)})
		}
	}

	if len(schema.Enum) > 0 && !inEnum(schema.Enum, instance) {
		errs = append(errs, ValidationError{Path: path, Message: "value is not one of the allowed enum values"})
	}

	obj, isObject := instance.(map[string]any)

	if len(schema.Required) > 0 {
		if !isObject {
			errs = append(errs, ValidationError{Path: path, Message: "required properties declared but instance is not an object"})
		} else {
			for _, name := range schema.Required {
				if _, ok := obj[name]; !ok {
					errs = append(errs, ValidationError{Path: joinPath(path, name), Message: "missing required property"})
				}
			}
		}
	}

	if len(schema.Properties) > 0 && isObject {
		for name, propSchema := range schema.Properties {
			value, present := obj[name]
			if !present {
				continue
			}
			errs = append(errs, validateAt(joinPath(path, name), propSchema, value)...)
		}
	}

	return errs
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func inEnum(enum []any, instance any) bool {
	for _, candidate := range enum {
		if equalJSONValue(candidate, instance) {
			return true
		}
	}
	return false
}

// equalJSONValue compares two values that both came from json.Unmarshal
// into an any (so numbers are always float64, objects are
// map[string]any, and arrays are []any).
func equalJSONValue(a, b any) bool {
	aBytes, errA := json.Marshal(a)
	bBytes, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}

// matchesType checks instance against a "type" keyword that is either
// a single JSON string ("string") or an array of alternatives
// (["string","null"]).
func matchesType(rawType json.RawMessage, instance any) bool {
	var single string
	if err := json.Unmarshal(rawType, &single); err == nil {
		return matchesSingleType(single, instance)
	}

	var multiple []string
	if err := json.Unmarshal(rawType, &multiple); err == nil {
		for _, t := range multiple {
			if matchesSingleType(t, instance) {
				return true
			}
		}
		return false
	}

	// Malformed "type" keyword: permissive, per the contract that
	// unknown/unparseable keywords do not block validation.
	return true
}

func matchesSingleType(t string, instance any) bool {
	switch t {
	case "string":
		_, ok := instance.(string)
		return ok
	case "number":
		_, ok := instance.(float64)
		return ok
	case "integer":
		n, ok := instance.(float64)
		return ok && n == float64(int64(n))
	case "boolean":
		_, ok := instance.(bool)
		return ok
	case "object":
		_, ok := instance.(map[string]any)
		return ok
	case "array":
		_, ok := instance.([]any)
		return ok
	case "null":
		return instance == nil
	default:
		return true
	}
}

// ValidateRaw decodes instanceJSON and validates it against schemaJSON,
// a convenience wrapper for callers holding json.RawMessage payloads
// straight off the wire.
func ValidateRaw(schemaJSON, instanceJSON json.RawMessage) (bool, error) {
	if len(schemaJSON) == 0 {
		return true, nil
	}

	var schema Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return false, fmt.Errorf("parse schema: %w", err)
	}

	var instance any
	if len(instanceJSON) > 0 {
		if err := json.Unmarshal(instanceJSON, &instance); err != nil {
			return false, fmt.Errorf("parse instance: %w", err)
		}
	}

	if errs := Validate(&schema, instance); len(errs) > 0 {
		return false, errs[0]
	}
	return true, nil
}
