package dispatch

import (
	"strings"

	"github.com/hupe1980/wavemesh/core"
)

// Lookup returns the context value stored under key.
type Lookup func(key string) (any, bool)

// ResolveParameters returns a copy of params where every string value of the
// form "$key" is replaced by the context value under key. References are
// resolved inside nested maps and lists. "$$text" yields the literal "$text".
// A reference to a missing key fails with *core.ParameterResolutionError.
func ResolveParameters(params map[string]any, lookup Lookup) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name, v := range params {
		resolved, err := resolveValue(name, v, lookup)
		if err != nil {
			return nil, err
		}
		out[name] = resolved
	}
	return out, nil
}

func resolveValue(param string, v any, lookup Lookup) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(param, val, lookup)
	case map[string]any:
		return ResolveParameters(val, lookup)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(param, item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveString(param, item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(param, s string, lookup Lookup) (any, error) {
	if len(s) < 2 || s[0] != '$' {
		return s, nil
	}
	if s[1] == '$' {
		return s[1:], nil
	}
	key := s[1:]
	if v, ok := lookup(key); ok {
		return v, nil
	}
	// "$result.field" walks into a published map.
	if head, rest, found := strings.Cut(key, "."); found {
		if root, ok := lookup(head); ok {
			if v, ok := walk(root, strings.Split(rest, ".")); ok {
				return v, nil
			}
		}
	}
	return nil, &core.ParameterResolutionError{Parameter: param, Key: key}
}

func walk(v any, path []string) (any, bool) {
	for _, p := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[p]; !ok {
			return nil, false
		}
	}
	return v, true
}
