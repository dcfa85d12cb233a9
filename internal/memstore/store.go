// Package memstore is an in-process DocumentStore used in development mode
// and by unit tests.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"studybuddy/internal/docstore"
	"studybuddy/pkg/interfaces"
)

type record struct {
	data    interfaces.Document
	updated time.Time
}

// Store keeps every collection in memory. All writes serialize on one mutex;
// notifications are queued under it, so listeners observe commit order.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]*record
	notifier    *docstore.Notifier
	clock       func() time.Time
	lastCommit  time.Time
	closed      bool

	// FailNext, when set, is consulted before each write; a non-nil return
	// aborts the write with that error. Tests use it to inject failures.
	FailNext func(op, collection, id string) error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]*record),
		notifier:    docstore.NewNotifier(),
		clock:       time.Now,
	}
}

// SetClock overrides the wall clock used for commit timestamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// commitTime returns a timestamp strictly after the previous commit.
func (s *Store) commitTime() time.Time {
	now := s.clock().UTC()
	if !now.After(s.lastCommit) {
		now = s.lastCommit.Add(time.Microsecond)
	}
	s.lastCommit = now
	return now
}

func (s *Store) checkWrite(op, collection, id string) error {
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	if s.FailNext != nil {
		if err := s.FailNext(op, collection, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) snapshotLocked(collection, id string) *interfaces.Snapshot {
	rec, ok := s.collections[collection][id]
	if !ok {
		return &interfaces.Snapshot{Collection: collection, ID: id}
	}
	return &interfaces.Snapshot{
		Collection: collection,
		ID:         id,
		Data:       docstore.Clone(rec.data),
		Exists:     true,
		UpdateTime: rec.updated,
	}
}

func (s *Store) queryLocked(q interfaces.Query) []*interfaces.Snapshot {
	coll := s.collections[q.Collection]
	candidates := make([]*interfaces.Snapshot, 0, len(coll))
	for id, rec := range coll {
		candidates = append(candidates, &interfaces.Snapshot{
			Collection: q.Collection,
			ID:         id,
			Data:       rec.data,
			Exists:     true,
			UpdateTime: rec.updated,
		})
	}
	results := docstore.RunQuery(candidates, q)
	for i, snap := range results {
		c := *snap
		c.Data = docstore.Clone(snap.Data)
		results[i] = &c
	}
	return results
}

// commitLocked stores data and notifies listeners. Caller holds s.mu.
func (s *Store) commitLocked(collection, id string, before, after interfaces.Document, at time.Time) {
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]*record)
	}
	s.collections[collection][id] = &record{data: after, updated: at}

	s.notifier.DocumentChanged(s.snapshotLocked(collection, id))
	for _, sub := range s.notifier.QueriesAffected(collection, before, after) {
		sub.Deliver(s.queryLocked(sub.Query), nil)
	}
}

// GetDocument returns a copy of the stored document.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (*interfaces.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}

	snap := s.snapshotLocked(collection, id)
	if !snap.Exists {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, interfaces.ErrDocumentNotFound)
	}
	return snap, nil
}

// Query runs q against the current state.
func (s *Store) Query(ctx context.Context, q interfaces.Query) ([]*interfaces.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	return s.queryLocked(q), nil
}

// SubscribeDocument delivers the current state and then every change.
func (s *Store) SubscribeDocument(ctx context.Context, collection, id string, handler interfaces.DocumentHandler) (interfaces.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}

	sub, unsub, err := s.notifier.WatchDocument(collection, id, handler)
	if err != nil {
		return nil, err
	}
	sub.Deliver(s.snapshotLocked(collection, id), nil)
	return unsub, nil
}

// SubscribeQuery delivers the current result set and then every change to it.
func (s *Store) SubscribeQuery(ctx context.Context, q interfaces.Query, handler interfaces.QueryHandler) (interfaces.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}

	sub, unsub, err := s.notifier.WatchQuery(q, handler)
	if err != nil {
		return nil, err
	}
	sub.Deliver(s.queryLocked(q), nil)
	return unsub, nil
}

// UpdateFields applies mutations atomically to an existing document.
func (s *Store) UpdateFields(ctx context.Context, collection, id string, mutations ...interfaces.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite("update", collection, id); err != nil {
		return err
	}

	rec, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, interfaces.ErrDocumentNotFound)
	}
	at := s.commitTime()
	updated, err := docstore.Apply(rec.data, at, mutations...)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	s.commitLocked(collection, id, rec.data, updated, at)
	return nil
}

// CreateIfAbsent creates the document unless one already exists under id.
func (s *Store) CreateIfAbsent(ctx context.Context, collection, id string, initial interfaces.Document) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite("create", collection, id); err != nil {
		return false, err
	}

	if _, exists := s.collections[collection][id]; exists {
		return false, nil
	}
	at := s.commitTime()
	doc, err := docstore.PrepareDocument(initial, at)
	if err != nil {
		return false, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	s.commitLocked(collection, id, nil, doc, at)
	return true, nil
}

// AppendToSubcollection stores item with a time-ordered id and the commit time.
func (s *Store) AppendToSubcollection(ctx context.Context, collection, id, subcollection string, item interfaces.Document) (*interfaces.Appended, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := interfaces.SubcollectionPath(collection, id, subcollection)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWrite("append", path, ""); err != nil {
		return nil, err
	}

	itemID, err := uuid.NewV7()
	if err != nil {
		return nil, interfaces.Transient("append", err)
	}
	at := s.commitTime()
	doc, err := docstore.PrepareDocument(item, at)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", path, err)
	}
	doc["id"] = itemID.String()
	doc["timestamp"] = docstore.FormatTime(at)

	s.commitLocked(path, itemID.String(), nil, doc, at)
	return &interfaces.Appended{ID: itemID.String(), Timestamp: at}, nil
}

// HealthCheck reports whether the store is open.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	return ctx.Err()
}

// Close detaches every listener and rejects further calls.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.notifier.Close()
	return nil
}
