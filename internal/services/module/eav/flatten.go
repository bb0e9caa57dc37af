// Package eav decomposes free-form entity payloads into typed
// attribute-value rows and reconstructs the original payload from them.
// For any payload built from the supported grammar (nested objects,
// arrays, scalars, null), Reconstruct(Flatten(x)) reproduces x.
package eav

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/lorevault/lorevault/internal/services/module/domain"
)

// maxSafeInteger bounds the integer column to values every JSON consumer
// can round-trip exactly (2^53 - 1).
const maxSafeInteger = 1<<53 - 1

// maxDepth caps payload nesting; deeper subtrees fall back to the json
// escape hatch rather than producing unbounded paths.
const maxDepth = 32

// Flatten walks an entity's opaque data payload and emits one typed row
// per leaf. Null values emit no row: absence encodes null. Subtrees the
// row grammar cannot express (dotted or all-digit keys, empty
// containers, excessive depth) serialize whole into a json-typed row.
func Flatten(data map[string]any) ([]domain.Property, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rows []domain.Property
	if err := flattenObject(data, "", domain.NoArrayIndex, 0, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func flattenObject(obj map[string]any, base string, arrayIndex int, depth int, rows *[]domain.Property) error {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path := key
		if base != "" {
			path = base + "." + key
		}
		if err := flattenValue(obj[key], path, key, arrayIndex, depth+1, rows); err != nil {
			return err
		}
	}
	return nil
}

func flattenValue(value any, path, key string, arrayIndex int, depth int, rows *[]domain.Property) error {
	if value == nil {
		return nil
	}
	if depth > maxDepth {
		return emitJSON(value, path, arrayIndex, rows)
	}

	switch v := value.(type) {
	case string:
		if isReferenceKey(key) {
			emit(rows, path, arrayIndex, domain.ReferenceValue(v))
		} else {
			emit(rows, path, arrayIndex, domain.StringValue(v))
		}
	case bool:
		emit(rows, path, arrayIndex, domain.BooleanValue(v))
	case float64:
		if isSafeInteger(v) {
			emit(rows, path, arrayIndex, domain.IntegerValue(int64(v)))
		} else {
			emit(rows, path, arrayIndex, domain.NumberValue(v))
		}
	case int:
		emit(rows, path, arrayIndex, domain.IntegerValue(int64(v)))
	case int64:
		emit(rows, path, arrayIndex, domain.IntegerValue(v))
	case map[string]any:
		if len(v) == 0 || !flattenableKeys(v) {
			return emitJSON(v, path, arrayIndex, rows)
		}
		return flattenObject(v, path, arrayIndex, depth, rows)
	case []any:
		if len(v) == 0 {
			return emitJSON(v, path, arrayIndex, rows)
		}
		for i, element := range v {
			elementPath := path + "." + strconv.Itoa(i)
			if err := flattenValue(element, elementPath, key, i, depth+1, rows); err != nil {
				return err
			}
		}
	default:
		// Opaque value the grammar does not recognize.
		return emitJSON(v, path, arrayIndex, rows)
	}
	return nil
}

func emit(rows *[]domain.Property, path string, arrayIndex int, value domain.Value) {
	*rows = append(*rows, domain.Property{
		Key:        rootSegment(path),
		Path:       path,
		ArrayIndex: arrayIndex,
		Value:      value,
	})
}

func emitJSON(value any, path string, arrayIndex int, rows *[]domain.Property) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize opaque value at %s: %w", path, err)
	}
	emit(rows, path, arrayIndex, domain.JSONValue(string(raw)))
	return nil
}

// isReferenceKey matches the reserved "points to another entity" naming
// convention: a key named entityId, ending in EntityId, or ending in Ref.
func isReferenceKey(key string) bool {
	return key == "entityId" || strings.HasSuffix(key, "EntityId") || strings.HasSuffix(key, "Ref")
}

func isSafeInteger(v float64) bool {
	return v == math.Trunc(v) && math.Abs(v) <= maxSafeInteger
}

// flattenableKeys reports whether every key in obj survives the dotted
// path grammar: dotted keys would corrupt paths and all-digit keys would
// read back as array indices.
func flattenableKeys(obj map[string]any) bool {
	for key := range obj {
		if key == "" || strings.Contains(key, ".") || isAllDigits(key) {
			return false
		}
	}
	return true
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func rootSegment(path string) string {
	if idx := strings.Index(path, "."); idx >= 0 {
		return path[:idx]
	}
	return path
}
