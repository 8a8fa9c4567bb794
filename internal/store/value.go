package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ServerTimestamp is replaced by the commit time, in epoch milliseconds,
// when a write carrying it is applied. Disconnect hooks rely on it so that
// lastSeen reflects the moment of the drop rather than registration.
var ServerTimestamp = map[string]any{".sv": "timestamp"}

// normalize converts an arbitrary Go value into the JSON data model used by
// the tree: map[string]any, []any, string, float64, bool or nil. Empty maps
// collapse to nil so that they never occupy a path.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return prune(out), nil
}

func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, c := range t {
			if c = prune(c); c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i := range t {
			t[i] = prune(t[i])
		}
		return t
	}
	return v
}

// resolveServerValues swaps ServerTimestamp markers for nowMs in place
func resolveServerValues(v any, nowMs int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[".sv"] == "timestamp" {
			return float64(nowMs)
		}
		for k, c := range t {
			t[k] = resolveServerValues(c, nowMs)
		}
	case []any:
		for i := range t {
			t[i] = resolveServerValues(t[i], nowMs)
		}
	}
	return v
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, c := range t {
			m[k] = deepCopy(c)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, c := range t {
			s[i] = deepCopy(c)
		}
		return s
	}
	return v
}

// Leaf is one scalar of the tree addressed by its full path
type Leaf struct {
	Path  string
	Value any
}

// Flatten lists every scalar under v, prefixed with p, in path order
func Flatten(p string, v any) []Leaf {
	var out []Leaf
	var walk func(string, any)
	walk = func(at string, v any) {
		switch t := v.(type) {
		case nil:
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(JoinPath(at, k), t[k])
			}
		case []any:
			for i, c := range t {
				walk(JoinPath(at, fmt.Sprint(i)), c)
			}
		default:
			out = append(out, Leaf{Path: at, Value: t})
		}
	}
	walk(p, v)
	return out
}

// Unflatten rebuilds a tree from its leaves. Arrays come back as maps keyed
// by index, matching how the tree stores them once written.
func Unflatten(leaves []Leaf) (any, error) {
	var root any
	for _, l := range leaves {
		segs, err := splitPath(l.Path)
		if err != nil {
			return nil, err
		}
		root = setAt(root, segs, l.Value)
	}
	return root, nil
}

// setAt returns node with v written at segs, creating parents as needed.
// A nil v removes the path and collapses empty parents.
func setAt(node any, segs []string, v any) any {
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
	child := setAt(m[segs[0]], segs[1:], v)
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

func getAt(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}
