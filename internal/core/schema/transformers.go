package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// Named Transformers
// =============================================================================

// TransformerFunc converts a validated raw value into the shape a builder
// consumes (decode JSON text, split comma lists, coerce numbers).
type TransformerFunc func(value any) (any, error)

var transformers = map[string]TransformerFunc{
	"trim":        transformTrim,
	"json_decode": transformJSONDecode,
	"comma_list":  transformCommaList,
	"lines":       transformLines,
	"int":         transformInt,
	"lowercase":   transformLowercase,
	"string_map":  transformStringMap,
}

// RegisterTransformer adds (or replaces) a named transformer.
func RegisterTransformer(name string, fn TransformerFunc) {
	transformers[name] = fn
}

// LookupTransformer resolves a transformer by name.
func LookupTransformer(name string) (TransformerFunc, bool) {
	fn, ok := transformers[name]
	return fn, ok
}

// =============================================================================
// Built-in Transformers
// =============================================================================

func transformTrim(value any) (any, error) {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return value, nil
}

// transformJSONDecode decodes JSON text; already-decoded values pass through.
func transformJSONDecode(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return decoded, nil
}

// transformCommaList splits "a, b, c" into []string{"a","b","c"}.
func transformCommaList(value any) (any, error) {
	switch t := value.(type) {
	case string:
		return splitAndTrim(t, ","), nil
	case []string:
		return t, nil
	case []any:
		return toStringSlice(t)
	default:
		return nil, fmt.Errorf("cannot convert %T to a list", value)
	}
}

// transformLines splits newline-separated text into entries, dropping blanks.
func transformLines(value any) (any, error) {
	switch t := value.(type) {
	case string:
		return splitAndTrim(t, "\n"), nil
	case []string:
		return t, nil
	case []any:
		return toStringSlice(t)
	default:
		return nil, fmt.Errorf("cannot convert %T to lines", value)
	}
}

func transformInt(value any) (any, error) {
	n, err := toInt(value)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func transformLowercase(value any) (any, error) {
	if s, ok := value.(string); ok {
		return strings.ToLower(s), nil
	}
	return value, nil
}

// transformStringMap normalizes JSON text or decoded maps into
// map[string]string, stringifying scalar values.
func transformStringMap(value any) (any, error) {
	var m map[string]any
	switch t := value.(type) {
	case map[string]any:
		m = t
	case map[string]string:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]string{}, nil
		}
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, fmt.Errorf("decode JSON object: %w", err)
		}
	default:
		return nil, fmt.Errorf("cannot convert %T to a string map", value)
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func toStringSlice(items []any) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("list entries must be strings, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}
