package docstore

import (
	"sort"

	"studybuddy/pkg/interfaces"
)

// Matches reports whether doc satisfies every filter.
func Matches(doc interfaces.Document, filters []interfaces.Filter) bool {
	if doc == nil {
		return false
	}
	for _, f := range filters {
		want, err := Normalize(f.Value)
		if err != nil {
			return false
		}
		got, found := Lookup(doc, f.Field)
		switch f.Op {
		case interfaces.FilterEqual:
			if !found || !equal(got, want) {
				return false
			}
		case interfaces.FilterArrayContains:
			arr, ok := got.([]any)
			if !found || !ok || !contains(arr, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// RunQuery filters, orders and limits candidate snapshots of q's collection.
// The candidates slice is not modified.
func RunQuery(candidates []*interfaces.Snapshot, q interfaces.Query) []*interfaces.Snapshot {
	results := make([]*interfaces.Snapshot, 0, len(candidates))
	for _, snap := range candidates {
		if snap != nil && snap.Exists && Matches(snap.Data, q.Filters) {
			results = append(results, snap)
		}
	}
	SortSnapshots(results, q.OrderBy, q.Descending)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// SortSnapshots orders by field then id. An empty field orders by id only.
func SortSnapshots(snaps []*interfaces.Snapshot, field string, descending bool) {
	sort.SliceStable(snaps, func(i, j int) bool {
		c := 0
		if field != "" {
			a, _ := Lookup(snaps[i].Data, field)
			b, _ := Lookup(snaps[j].Data, field)
			c = compareValues(a, b)
		}
		if c == 0 {
			c = compareValues(snaps[i].ID, snaps[j].ID)
		}
		if descending {
			return c > 0
		}
		return c < 0
	})
}

// Affects reports whether a change from before to after can alter the
// result of a query with these filters.
func Affects(filters []interfaces.Filter, before, after interfaces.Document) bool {
	return Matches(before, filters) || Matches(after, filters)
}
