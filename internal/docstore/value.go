// Package docstore holds the backend-independent document semantics shared by
// the in-memory and sqlite stores: field mutations, query matching and
// ordered change delivery.
package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"studybuddy/pkg/interfaces"
)

// Normalize converts v into the JSON value space (see interfaces.Document).
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not JSON encodable: %v", interfaces.ErrInvalidMutation, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidMutation, err)
	}
	return out, nil
}

// Clone deep-copies a document.
func Clone(doc interfaces.Document) interfaces.Document {
	if doc == nil {
		return nil
	}
	out := make(interfaces.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case interfaces.Document:
		return map[string]any(Clone(t))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// CloneSnapshot deep-copies a snapshot so each subscriber owns its data.
func CloneSnapshot(s *interfaces.Snapshot) *interfaces.Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = Clone(s.Data)
	return &c
}

// ResolveServerTimestamps replaces every interfaces.ServerTimestamp
// placeholder inside v with stamp.
func ResolveServerTimestamps(v any, stamp string) any {
	switch t := v.(type) {
	case string:
		if t == interfaces.ServerTimestamp {
			return stamp
		}
		return t
	case map[string]any:
		for k, inner := range t {
			t[k] = ResolveServerTimestamps(inner, stamp)
		}
		return t
	case interfaces.Document:
		for k, inner := range t {
			t[k] = ResolveServerTimestamps(inner, stamp)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = ResolveServerTimestamps(inner, stamp)
		}
		return t
	default:
		return v
	}
}

// FormatTime renders a commit time the way documents store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a stored timestamp.
func ParseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Lookup returns the value at a dot path.
func Lookup(doc interfaces.Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc interfaces.Document, path string, value any) error {
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists || next == nil {
			m := map[string]any{}
			cur[part] = m
			cur = m
			continue
		}
		m, ok := asMap(next)
		if !ok {
			return fmt.Errorf("%w: %s traverses a non-object field", interfaces.ErrInvalidMutation, path)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func deletePath(doc interfaces.Document, path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(doc)
	for _, part := range parts[:len(parts)-1] {
		m, ok := asMap(cur[part])
		if !ok {
			return
		}
		cur = m
	}
	delete(cur, parts[len(parts)-1])
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case interfaces.Document:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// compareValues orders two JSON values. Timestamps compare chronologically.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if ta, ok := ParseTime(a); ok {
		if tb, ok := ParseTime(b); ok {
			return ta.Compare(tb)
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
