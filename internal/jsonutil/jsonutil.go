// Package jsonutil provides helper functions for extracting typed values
// from unstructured JSON maps (map[string]any), such as PubSub payloads.
package jsonutil

import "encoding/json"

// Lookup walks nested objects along path and returns the value found, or
// nil when a key is missing or an intermediate value is not an object.
func Lookup(data map[string]any, path ...string) any {
	var cur any = data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[key]; !ok {
			return nil
		}
	}
	return cur
}

// IntFromAny converts various numeric types to int.
func IntFromAny(value any) int {
	switch num := value.(type) {
	case float64:
		return int(num)
	case int:
		return num
	case int64:
		return int(num)
	case json.Number:
		i, _ := num.Int64()
		return int(i)
	default:
		return 0
	}
}

// StringFromAny safely converts any value to string.
func StringFromAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// String extracts a string at path.
func String(data map[string]any, path ...string) string {
	return StringFromAny(Lookup(data, path...))
}

// Int extracts a number at path as an int.
func Int(data map[string]any, path ...string) int {
	return IntFromAny(Lookup(data, path...))
}

// Bool extracts a bool at path.
func Bool(data map[string]any, path ...string) bool {
	b, _ := Lookup(data, path...).(bool)
	return b
}
