package docstore

import (
	"sync"

	"studybuddy/pkg/interfaces"
)

// mailbox runs queued callbacks one at a time on its own goroutine, in push
// order. Pushing never blocks, so stores may push while holding their locks.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.wake:
		case <-m.done:
			return
		}
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			fn()
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

// DocumentSubscription is one listener on one document.
type DocumentSubscription struct {
	id      uint64
	key     string
	handler interfaces.DocumentHandler
	box     *mailbox
}

// Deliver queues a copy of snap for the handler.
func (s *DocumentSubscription) Deliver(snap *interfaces.Snapshot, err error) {
	c := CloneSnapshot(snap)
	s.box.push(func() { s.handler(c, err) })
}

// QuerySubscription is one listener on a query.
type QuerySubscription struct {
	id      uint64
	Query   interfaces.Query
	handler interfaces.QueryHandler
	box     *mailbox
}

// Deliver queues a copy of the result set for the handler.
func (s *QuerySubscription) Deliver(snaps []*interfaces.Snapshot, err error) {
	c := make([]*interfaces.Snapshot, len(snaps))
	for i, snap := range snaps {
		c[i] = CloneSnapshot(snap)
	}
	s.box.push(func() { s.handler(c, err) })
}

// Notifier tracks subscriptions and fans committed changes out to them.
// Callers deliver under their own commit lock so that every subscriber sees
// changes in commit order.
type Notifier struct {
	mu      sync.Mutex
	nextID  uint64
	docs    map[string]map[uint64]*DocumentSubscription
	queries map[string]map[uint64]*QuerySubscription
	closed  bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		docs:    make(map[string]map[uint64]*DocumentSubscription),
		queries: make(map[string]map[uint64]*QuerySubscription),
	}
}

func docKey(collection, id string) string {
	return collection + "\x00" + id
}

// WatchDocument registers a document listener.
func (n *Notifier) WatchDocument(collection, id string, handler interfaces.DocumentHandler) (*DocumentSubscription, interfaces.Unsubscribe, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, nil, interfaces.ErrStoreClosed
	}

	n.nextID++
	sub := &DocumentSubscription{
		id:      n.nextID,
		key:     docKey(collection, id),
		handler: handler,
		box:     newMailbox(),
	}
	if n.docs[sub.key] == nil {
		n.docs[sub.key] = make(map[uint64]*DocumentSubscription)
	}
	n.docs[sub.key][sub.id] = sub

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			n.mu.Lock()
			if subs, ok := n.docs[sub.key]; ok {
				delete(subs, sub.id)
				if len(subs) == 0 {
					delete(n.docs, sub.key)
				}
			}
			n.mu.Unlock()
			sub.box.close()
		})
	}, nil
}

// WatchQuery registers a query listener.
func (n *Notifier) WatchQuery(q interfaces.Query, handler interfaces.QueryHandler) (*QuerySubscription, interfaces.Unsubscribe, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, nil, interfaces.ErrStoreClosed
	}

	n.nextID++
	sub := &QuerySubscription{
		id:      n.nextID,
		Query:   q,
		handler: handler,
		box:     newMailbox(),
	}
	if n.queries[q.Collection] == nil {
		n.queries[q.Collection] = make(map[uint64]*QuerySubscription)
	}
	n.queries[q.Collection][sub.id] = sub

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			n.mu.Lock()
			if subs, ok := n.queries[q.Collection]; ok {
				delete(subs, sub.id)
				if len(subs) == 0 {
					delete(n.queries, q.Collection)
				}
			}
			n.mu.Unlock()
			sub.box.close()
		})
	}, nil
}

// DocumentChanged delivers snap to every listener on its document.
func (n *Notifier) DocumentChanged(snap *interfaces.Snapshot) {
	n.mu.Lock()
	subs := make([]*DocumentSubscription, 0, len(n.docs[docKey(snap.Collection, snap.ID)]))
	for _, sub := range n.docs[docKey(snap.Collection, snap.ID)] {
		subs = append(subs, sub)
	}
	n.mu.Unlock()

	for _, sub := range subs {
		sub.Deliver(snap, nil)
	}
}

// QueriesAffected returns the query listeners on collection whose result a
// change from before to after may alter.
func (n *Notifier) QueriesAffected(collection string, before, after interfaces.Document) []*QuerySubscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	var affected []*QuerySubscription
	for _, sub := range n.queries[collection] {
		if Affects(sub.Query.Filters, before, after) {
			affected = append(affected, sub)
		}
	}
	return affected
}

// QueriesOn returns every query listener on collection.
func (n *Notifier) QueriesOn(collection string) []*QuerySubscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := make([]*QuerySubscription, 0, len(n.queries[collection]))
	for _, sub := range n.queries[collection] {
		subs = append(subs, sub)
	}
	return subs
}

// HasListeners reports whether anything watches the document or collection.
func (n *Notifier) HasListeners(collection, id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.docs[docKey(collection, id)]) > 0 || len(n.queries[collection]) > 0
}

// Close detaches every listener.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, subs := range n.docs {
		for _, sub := range subs {
			sub.box.close()
		}
	}
	for _, subs := range n.queries {
		for _, sub := range subs {
			sub.box.close()
		}
	}
	n.docs = make(map[string]map[uint64]*DocumentSubscription)
	n.queries = make(map[string]map[uint64]*QuerySubscription)
}
