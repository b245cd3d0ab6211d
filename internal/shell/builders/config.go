package builders

import (
	"fmt"
	"sort"
)

// =============================================================================
// Config Access
// =============================================================================

// Builder configuration arrives as map[string]any after schema defaults and
// transforms have run. These accessors tolerate missing keys and the pre-
// transform shapes so a strategy never panics on hand-assembled config.

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func configBool(cfg map[string]any, key string) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func configStringMap(cfg map[string]any, key string) map[string]string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out
	default:
		return nil
	}
}

func configStringList(cfg map[string]any, key string) []string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

// envPairs flattens an env map into sorted "K=V" entries for subprocess
// environments.
func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
