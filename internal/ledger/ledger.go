// Package ledger records established connections, one entry per unordered
// pair of users.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"studybuddy/internal/channelkey"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Ledger reads and writes the connections collection.
type Ledger struct {
	store interfaces.DocumentStore
}

// New creates a ledger over store.
func New(store interfaces.DocumentStore) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) findQuery(pairKey string) interfaces.Query {
	return interfaces.Query{
		Collection: types.CollectionConnections,
		Filters: []interfaces.Filter{
			interfaces.Where("pairKey", interfaces.FilterEqual, pairKey),
			interfaces.Where("status", interfaces.FilterEqual, string(types.RequestStatusAccepted)),
		},
		OrderBy: "createdAt",
	}
}

// UpsertAccepted inserts an accepted entry for the pair unless one exists.
// The check is a read followed by an insert: two racing callers can both
// insert, which leaves a harmless duplicate audit record. It reports whether
// this call inserted.
func (l *Ledger) UpsertAccepted(ctx context.Context, a, b string, info map[string]types.PartySnapshot) (bool, error) {
	pair, err := channelkey.Sorted(a, b)
	if err != nil {
		return false, err
	}
	pairKey := pair[0] + channelkey.Separator + pair[1]

	existing, err := l.store.Query(ctx, l.findQuery(pairKey))
	if err != nil {
		return false, fmt.Errorf("query ledger for %s: %w", pairKey, err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	userInfo := make(map[string]any, 2)
	for _, id := range pair {
		snap := info[id]
		userInfo[id] = map[string]any{"name": snap.Name, "avatarUrl": snap.AvatarURL}
	}

	id := uuid.NewString()
	created, err := l.store.CreateIfAbsent(ctx, types.CollectionConnections, id, interfaces.Document{
		"id":        id,
		"users":     []any{pair[0], pair[1]},
		"pairKey":   pairKey,
		"status":    string(types.RequestStatusAccepted),
		"createdAt": interfaces.ServerTimestamp,
		"userInfo":  userInfo,
	})
	if err != nil {
		return false, fmt.Errorf("insert ledger entry for %s: %w", pairKey, err)
	}
	return created, nil
}

// Get returns the oldest accepted entry for the pair.
func (l *Ledger) Get(ctx context.Context, a, b string) (*types.LedgerEntry, error) {
	pairKey, err := channelkey.PairKey(a, b)
	if err != nil {
		return nil, err
	}
	snaps, err := l.store.Query(ctx, l.findQuery(pairKey))
	if err != nil {
		return nil, fmt.Errorf("query ledger for %s: %w", pairKey, err)
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("ledger entry %s: %w", pairKey, types.ErrNotFound)
	}
	var entry types.LedgerEntry
	if err := snaps[0].DataTo(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListFor returns every accepted entry that includes userID.
func (l *Ledger) ListFor(ctx context.Context, userID string) ([]types.LedgerEntry, error) {
	snaps, err := l.store.Query(ctx, interfaces.Query{
		Collection: types.CollectionConnections,
		Filters: []interfaces.Filter{
			interfaces.Where("users", interfaces.FilterArrayContains, userID),
			interfaces.Where("status", interfaces.FilterEqual, string(types.RequestStatusAccepted)),
		},
		OrderBy: "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger for %s: %w", userID, err)
	}

	entries := make([]types.LedgerEntry, 0, len(snaps))
	seen := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		var entry types.LedgerEntry
		if err := snap.DataTo(&entry); err != nil {
			return nil, err
		}
		// Keep the oldest entry when a race produced duplicates.
		if seen[entry.PairKey] {
			continue
		}
		seen[entry.PairKey] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

// All returns every accepted entry, oldest first.
func (l *Ledger) All(ctx context.Context) ([]types.LedgerEntry, error) {
	snaps, err := l.store.Query(ctx, interfaces.Query{
		Collection: types.CollectionConnections,
		Filters:    []interfaces.Filter{interfaces.Where("status", interfaces.FilterEqual, string(types.RequestStatusAccepted))},
		OrderBy:    "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	entries := make([]types.LedgerEntry, 0, len(snaps))
	for _, snap := range snaps {
		var entry types.LedgerEntry
		if err := snap.DataTo(&entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
