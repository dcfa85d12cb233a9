package docstore

import (
	"fmt"
	"time"

	"studybuddy/pkg/interfaces"
)

// Apply returns a copy of doc with every mutation applied in order at commit
// time now. The input document is not modified. An error leaves no partial
// result.
func Apply(doc interfaces.Document, now time.Time, mutations ...interfaces.Mutation) (interfaces.Document, error) {
	out := Clone(doc)
	if out == nil {
		out = interfaces.Document{}
	}
	stamp := FormatTime(now)
	for _, m := range mutations {
		if m.Path == "" {
			return nil, fmt.Errorf("%w: empty path", interfaces.ErrInvalidMutation)
		}
		if err := applyOne(out, m, stamp); err != nil {
			return nil, fmt.Errorf("%s %s: %w", m.Op, m.Path, err)
		}
	}
	return out, nil
}

// PrepareDocument normalizes a document about to be created and resolves its
// server timestamp placeholders.
func PrepareDocument(doc interfaces.Document, now time.Time) (interfaces.Document, error) {
	normalized, err := Normalize(map[string]any(doc))
	if err != nil {
		return nil, err
	}
	m, ok := normalized.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	ResolveServerTimestamps(m, FormatTime(now))
	return interfaces.Document(m), nil
}

func applyOne(doc interfaces.Document, m interfaces.Mutation, stamp string) error {
	switch m.Op {
	case interfaces.OpSet:
		v, err := prepare(m.Value, stamp)
		if err != nil {
			return err
		}
		return setPath(doc, m.Path, v)

	case interfaces.OpDelete:
		deletePath(doc, m.Path)
		return nil

	case interfaces.OpAddToSet:
		arr, err := arrayAt(doc, m.Path)
		if err != nil {
			return err
		}
		for _, raw := range m.Values {
			v, err := prepare(raw, stamp)
			if err != nil {
				return err
			}
			if !contains(arr, v) {
				arr = append(arr, v)
			}
		}
		return setPath(doc, m.Path, arr)

	case interfaces.OpPull:
		arr, err := arrayAt(doc, m.Path)
		if err != nil {
			return err
		}
		values := make([]any, 0, len(m.Values))
		for _, raw := range m.Values {
			v, err := Normalize(raw)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		kept := arr[:0:0]
		for _, elem := range arr {
			if !contains(values, elem) {
				kept = append(kept, elem)
			}
		}
		return setPath(doc, m.Path, kept)

	case interfaces.OpPullWhere:
		arr, err := arrayAt(doc, m.Path)
		if err != nil {
			return err
		}
		match, err := normalizeMatch(m.Match)
		if err != nil {
			return err
		}
		kept := arr[:0:0]
		for _, elem := range arr {
			if !elementMatches(elem, match) {
				kept = append(kept, elem)
			}
		}
		return setPath(doc, m.Path, kept)

	case interfaces.OpUpsertWhere:
		arr, err := arrayAt(doc, m.Path)
		if err != nil {
			return err
		}
		match, err := normalizeMatch(m.Match)
		if err != nil {
			return err
		}
		v, err := prepare(m.Value, stamp)
		if err != nil {
			return err
		}
		replaced := false
		out := arr[:0:0]
		for _, elem := range arr {
			if !elementMatches(elem, match) {
				out = append(out, elem)
				continue
			}
			if !replaced {
				out = append(out, v)
				replaced = true
			}
		}
		if !replaced {
			out = append(out, v)
		}
		return setPath(doc, m.Path, out)

	case interfaces.OpUpdateWhere:
		arr, err := arrayAt(doc, m.Path)
		if err != nil {
			return err
		}
		match, err := normalizeMatch(m.Match)
		if err != nil {
			return err
		}
		fieldsValue, err := prepare(m.Value, stamp)
		if err != nil {
			return err
		}
		fields, ok := fieldsValue.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: update-where value must be an object", interfaces.ErrInvalidMutation)
		}
		for i, elem := range arr {
			if !elementMatches(elem, match) {
				continue
			}
			obj, _ := asMap(elem)
			for k, v := range fields {
				obj[k] = cloneValue(v)
			}
			arr[i] = obj
		}
		return setPath(doc, m.Path, arr)

	case interfaces.OpMax:
		next, ok := ParseTime(m.Value)
		if !ok {
			return fmt.Errorf("%w: max requires an RFC3339 timestamp", interfaces.ErrInvalidMutation)
		}
		if existing, found := Lookup(doc, m.Path); found {
			if current, ok := ParseTime(existing); ok && !next.After(current) {
				return nil
			}
		}
		return setPath(doc, m.Path, FormatTime(next))

	case interfaces.OpSetIfNewer:
		v, err := prepare(m.Value, stamp)
		if err != nil {
			return err
		}
		incoming, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: set-if-newer value must be an object", interfaces.ErrInvalidMutation)
		}
		if existing, found := Lookup(doc, m.Path); found {
			if current, ok := asMap(existing); ok && !isNewer(incoming, current, m.OrderField, m.TieField) {
				return nil
			}
		}
		return setPath(doc, m.Path, incoming)

	default:
		return fmt.Errorf("%w: unknown operation %q", interfaces.ErrInvalidMutation, m.Op)
	}
}

func prepare(v any, stamp string) (any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return ResolveServerTimestamps(n, stamp), nil
}

func arrayAt(doc interfaces.Document, path string) ([]any, error) {
	v, found := Lookup(doc, path)
	if !found || v == nil {
		return []any{}, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an array", interfaces.ErrInvalidMutation, path)
	}
	return arr, nil
}

func normalizeMatch(match map[string]any) (map[string]any, error) {
	if len(match) == 0 {
		return nil, fmt.Errorf("%w: empty match", interfaces.ErrInvalidMutation)
	}
	out := make(map[string]any, len(match))
	for k, v := range match {
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

func elementMatches(elem any, match map[string]any) bool {
	obj, ok := asMap(elem)
	if !ok {
		return false
	}
	for k, want := range match {
		if !equal(obj[k], want) {
			return false
		}
	}
	return true
}

func contains(arr []any, v any) bool {
	for _, elem := range arr {
		if equal(elem, v) {
			return true
		}
	}
	return false
}

// isNewer orders objects by a timestamp field, then by a string tie field.
func isNewer(incoming, current map[string]any, orderField, tieField string) bool {
	inTime, inOK := ParseTime(incoming[orderField])
	curTime, curOK := ParseTime(current[orderField])
	switch {
	case !curOK:
		return true
	case !inOK:
		return false
	case inTime.After(curTime):
		return true
	case inTime.Before(curTime):
		return false
	}
	if tieField == "" {
		return false
	}
	return compareValues(incoming[tieField], current[tieField]) > 0
}
