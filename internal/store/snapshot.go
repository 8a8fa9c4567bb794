package store

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the full value at a path at the moment a read or a change
// notification was produced. Listeners always receive whole snapshots, never
// diffs.
type Snapshot struct {
	path  string
	value any
}

// NewSnapshot wraps a value already in the tree's data model
func NewSnapshot(path string, value any) Snapshot {
	return Snapshot{path: path, value: value}
}

func (s Snapshot) Path() string { return s.path }

// Exists is false when nothing is stored at the path
func (s Snapshot) Exists() bool { return s.value != nil }

// Value returns the raw decoded JSON value
func (s Snapshot) Value() any { return s.value }

// Decode converts the snapshot into dst through JSON
func (s Snapshot) Decode(dst any) error {
	raw, err := json.Marshal(s.value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	return nil
}

// Child narrows the snapshot to a relative path
func (s Snapshot) Child(rel string) Snapshot {
	segs, err := splitPath(rel)
	if err != nil {
		return Snapshot{path: JoinPath(s.path, rel)}
	}
	return Snapshot{path: JoinPath(s.path, rel), value: getAt(s.value, segs)}
}

// Keys lists the immediate children when the value is an object
func (s Snapshot) Keys() []string {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Bool reads a boolean snapshot, false when absent
func (s Snapshot) Bool() bool {
	b, _ := s.value.(bool)
	return b
}

// String reads a string snapshot, empty when absent
func (s Snapshot) String() string {
	switch t := s.value.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
