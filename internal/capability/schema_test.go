package capability

import (
	"encoding/json"
	"testing"
)

func TestValidateRawAcceptsWellFormedInstance(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["port", "baud_rate"],
		"properties": {
			"port": {"type": "string"},
			"baud_rate": {"type": "integer", "enum": [9600, 19200, 115200]}
		}
	}`)
	instance := json.RawMessage(`{"port": "/dev/ttyUSB0", "baud_rate": 115200}`)

	ok, err := ValidateRaw(schema, instance)
	if !ok || err != nil {
		t.Fatalf("expected valid instance, got ok=%v err=%v", ok, err)
	}
}

func TestValidateRawRejectsMissingRequiredProperty(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["port"]}`)
	instance := json.RawMessage(`{"baud_rate": 9600}`)

	ok, err := ValidateRaw(schema, instance)
	if ok || err == nil {
		t.Fatal("expected validation failure for missing required property")
	}
}

func TestValidateRawRejectsWrongType(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "properties": {"baud_rate": {"type": "integer"}}}`)
	instance := json.RawMessage(`{"baud_rate": "fast"}`)

	ok, _ := ValidateRaw(schema, instance)
	if ok {
		t.Fatal("expected validation failure for wrong property type")
	}
}

func TestValidateRawRejectsValueOutsideEnum(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "properties": {"parity": {"enum": ["none", "even", "odd"]}}}`)
	instance := json.RawMessage(`{"parity": "mark"}`)

	ok, _ := ValidateRaw(schema, instance)
	if ok {
		t.Fatal("expected validation failure for value outside enum")
	}
}

func TestValidateRawIsPermissiveAboutUnknownKeywords(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "additionalProperties": false, "minProperties": 1}`)
	instance := json.RawMessage(`{"port": "/dev/ttyUSB0"}`)

	ok, err := ValidateRaw(schema, instance)
	if !ok || err != nil {
		t.Fatalf("expected unknown keywords to be ignored, got ok=%v err=%v", ok, err)
	}
}

func TestValidateRawAcceptsEmptySchema(t *testing.T) {
	ok, err := ValidateRaw(nil, json.RawMessage(`{"anything": true}`))
	if !ok || err != nil {
		t.Fatalf("expected nil schema to always validate, got ok=%v err=%v", ok, err)
	}
}

func TestMatchesTypeAcceptsTypeArray(t *testing.T) {
	var schema Schema
	if err := json.Unmarshal([]byte(`{"type": ["string", "null"]}`), &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}

	if errs := Validate(&schema, nil); len(errs) != 0 {
		t.Fatalf("expected null to match [\"string\",\"null\"], got %v", errs)
	}
	if errs := Validate(&schema, "hello"); len(errs) != 0 {
		t.Fatalf("expected string to match [\"string\",\"null\"], got %v", errs)
	}
	if errs := Validate(&schema, 5.0); len(errs) == 0 {
		t.Fatal("expected number to fail [\"string\",\"null\"]")
	}
}
