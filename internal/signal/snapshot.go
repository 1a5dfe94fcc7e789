package signal

import (
	"encoding/json"
	"sort"
)

// Snapshot is an immutable view of the value at Path.
type Snapshot struct {
	Path  string
	Value any
}

func (s Snapshot) Exists() bool { return s.Value != nil }

// Key returns the last path segment.
func (s Snapshot) Key() string {
	segs, _ := SplitPath(s.Path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Child returns the snapshot of a direct or nested child.
func (s Snapshot) Child(rel string) Snapshot {
	segs, err := SplitPath(rel)
	if err != nil {
		return Snapshot{Path: Join(s.Path, rel)}
	}
	return Snapshot{Path: Join(s.Path, rel), Value: GetAt(s.Value, segs)}
}

// Children returns the child snapshots sorted by key. Leaf values have no
// children.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: Join(s.Path, k), Value: m[k]})
	}
	return out
}

// String returns the string stored at rel, or "".
func (s Snapshot) String(rel string) string {
	v, _ := s.Child(rel).Value.(string)
	return v
}

// Decode unmarshals the value into v.
func (s Snapshot) Decode(v any) error {
	b, err := json.Marshal(s.Value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MarshalJSON encodes the value only.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}
