package signal

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Normalize converts v to its JSON tree form (map[string]any, []any,
// string, float64, bool or nil). Empty maps collapse to nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("signal: encode value: %w", err)
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("signal: decode value: %w", err)
	}
	return prune(out), nil
}

func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, c := range m {
		if pc := prune(c); pc == nil {
			delete(m, k)
		} else {
			m[k] = pc
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func GetAt(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// SetAt stores v at segs below node and returns the new node. A nil v
// deletes, pruning maps that become empty.
func SetAt(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := node.(map[string]any)
	if !ok {
		if v == nil {
			return node
		}
		m = map[string]any{}
	}
	child := SetAt(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = Clone(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = Clone(c)
		}
		return out
	default:
		return v
	}
}

// LeafPaths lists the paths at exactly depth below prefix that hold a value.
func LeafPaths(node any, prefix []string, depth int) [][]string {
	if node == nil {
		return nil
	}
	if len(prefix) >= depth {
		return [][]string{append([]string(nil), prefix...)}
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out [][]string
	for _, k := range keys {
		next := append(append([]string(nil), prefix...), k)
		out = append(out, LeafPaths(m[k], next, depth)...)
	}
	return out
}
