package domain

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ValueType tags which value column an EntityProperty row populates.
type ValueType string

const (
	// ValueString stores a scalar string.
	ValueString ValueType = "string"
	// ValueNumber stores a non-integral number.
	ValueNumber ValueType = "number"
	// ValueInteger stores an integral number in the safe-integer range.
	ValueInteger ValueType = "integer"
	// ValueBoolean stores a boolean.
	ValueBoolean ValueType = "boolean"
	// ValueJSON stores a non-decomposable subtree serialized whole.
	ValueJSON ValueType = "json"
	// ValueReference stores another entity's id as a soft link.
	ValueReference ValueType = "reference"
)

// NoArrayIndex marks a property row that is not an array element.
const NoArrayIndex = -1

// Value is the tagged union carried by one property row. Exactly one
// field matching Type is meaningful.
type Value struct {
	Type    ValueType
	Text    string
	Number  float64
	Integer int64
	Boolean bool
	JSON    string
}

// StringValue builds a string-typed value.
func StringValue(s string) Value { return Value{Type: ValueString, Text: s} }

// NumberValue builds a number-typed value.
func NumberValue(f float64) Value { return Value{Type: ValueNumber, Number: f} }

// IntegerValue builds an integer-typed value.
func IntegerValue(i int64) Value { return Value{Type: ValueInteger, Integer: i} }

// BooleanValue builds a boolean-typed value.
func BooleanValue(b bool) Value { return Value{Type: ValueBoolean, Boolean: b} }

// JSONValue builds a json-typed value from serialized content.
func JSONValue(raw string) Value { return Value{Type: ValueJSON, JSON: raw} }

// ReferenceValue builds a reference-typed value holding a target entityId.
func ReferenceValue(entityID string) Value { return Value{Type: ValueReference, Text: entityID} }

// Decode returns the Go value a property leaf reconstructs to. JSON
// columns deserialize back to structure; references decode to the
// referenced id string.
func (v Value) Decode() (any, error) {
	switch v.Type {
	case ValueString, ValueReference:
		return v.Text, nil
	case ValueNumber:
		return v.Number, nil
	case ValueInteger:
		return v.Integer, nil
	case ValueBoolean:
		return v.Boolean, nil
	case ValueJSON:
		var out any
		if err := json.Unmarshal([]byte(v.JSON), &out); err != nil {
			return nil, fmt.Errorf("decode json value: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", v.Type)
	}
}

// Property is one typed attribute row decomposed from an entity's data
// payload. Path is the dotted/indexed path from the payload root
// (`damage`, `properties.0`, `attunement.0.class`); Key is the path's
// root segment, kept separately for per-key queries.
type Property struct {
	Key        string
	Path       string
	ArrayIndex int
	Value      Value
}
