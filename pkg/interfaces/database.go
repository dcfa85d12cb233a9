package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Document is a JSON-shaped record. Values are the types produced by
// encoding/json when decoding into any: string, float64, bool, nil,
// []any and map[string]any. Timestamps are RFC3339Nano strings.
type Document map[string]any

// Snapshot is a point-in-time read of one document.
type Snapshot struct {
	Collection string
	ID         string
	Data       Document
	Exists     bool
	UpdateTime time.Time
}

// DataTo decodes the snapshot data into v.
func (s *Snapshot) DataTo(v any) error {
	if s == nil || !s.Exists {
		return ErrDocumentNotFound
	}
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", s.Collection, s.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", s.Collection, s.ID, err)
	}
	return nil
}

// ToDocument converts a struct with json tags into a Document.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// Appended is the identity the store assigned to an appended item.
type Appended struct {
	ID        string
	Timestamp time.Time
}

// Unsubscribe detaches a listener. After it returns no new callback starts.
type Unsubscribe func()

// DocumentHandler receives the current state of a document, first on
// subscribe and then after every committed change, in commit order.
type DocumentHandler func(snap *Snapshot, err error)

// QueryHandler receives the full result set of a query, first on subscribe
// and then after every committed change to the queried collection.
type QueryHandler func(snaps []*Snapshot, err error)

// DocumentStore is a multi-collection document database with per-document
// atomic updates and push subscriptions. It offers no multi-document
// atomicity. Subcollections are addressed with SubcollectionPath.
type DocumentStore interface {
	// GetDocument returns ErrDocumentNotFound when the document is absent.
	GetDocument(ctx context.Context, collection, id string) (*Snapshot, error)

	Query(ctx context.Context, q Query) ([]*Snapshot, error)

	SubscribeDocument(ctx context.Context, collection, id string, handler DocumentHandler) (Unsubscribe, error)
	SubscribeQuery(ctx context.Context, q Query, handler QueryHandler) (Unsubscribe, error)

	// UpdateFields applies all mutations to one document atomically.
	// Returns ErrDocumentNotFound when the document is absent.
	UpdateFields(ctx context.Context, collection, id string, mutations ...Mutation) error

	// CreateIfAbsent creates the document unless it exists. It reports
	// whether this call created it.
	CreateIfAbsent(ctx context.Context, collection, id string, initial Document) (bool, error)

	// AppendToSubcollection stores item under collection/id/subcollection.
	// The store assigns the item id and commit timestamp and writes them into
	// the item's "id" and "timestamp" fields. Timestamps never decrease.
	AppendToSubcollection(ctx context.Context, collection, id, subcollection string, item Document) (*Appended, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// SubcollectionPath returns the collection path for items nested under a document.
func SubcollectionPath(collection, id, subcollection string) string {
	return collection + "/" + id + "/" + subcollection
}

// FilterOp is a query predicate operator.
type FilterOp string

const (
	FilterEqual         FilterOp = "=="
	FilterArrayContains FilterOp = "array-contains"
)

// Filter restricts a query to documents whose field satisfies Op against Value.
// Field may be a dot path.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Query selects documents of one collection. Results are ordered by OrderBy
// with the document id as tie breaker, or by id alone when OrderBy is empty.
// Limit applies after ordering; zero means no limit.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Where is a convenience constructor for a Filter.
func Where(field string, op FilterOp, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}
