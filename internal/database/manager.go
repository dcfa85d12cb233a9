// Package database implements the DocumentStore on sqlite.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"studybuddy/internal/docstore"
	dbconfig "studybuddy/pkg/database"
	"studybuddy/pkg/interfaces"
)

// ChangePublisher announces committed changes to other processes sharing
// the database file.
type ChangePublisher interface {
	Publish(ctx context.Context, collection, id string) error
}

// Manager is a DocumentStore backed by sqlite. Every write, subscription
// registration and change notification runs on a single writer goroutine, so
// listeners observe commits in order.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	notifier   *docstore.Notifier
	publisher  ChangePublisher
	clock      func() time.Time
	lastCommit time.Time // owned by writeLoop
}

// change is one committed document write.
type change struct {
	collection string
	id         string
	before     interfaces.Document
	after      interfaces.Document
	updated    time.Time
}

// writeOperation runs inside a transaction on the writer goroutine.
type writeOperation struct {
	operation func(tx *sql.Tx, at time.Time) ([]change, error)
	// serial, when set, runs instead of operation without a transaction.
	serial func()
	result chan error
}

// NewManager opens the database, applies the embedded migrations and starts
// the writer goroutine.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteBuffer),
		shutdown:     make(chan struct{}),
		notifier:     docstore.NewNotifier(),
		clock:        time.Now,
	}

	// Commit timestamps must stay monotonic across restarts.
	var latest sql.NullString
	if err := db.QueryRow("SELECT MAX(updated_at) FROM documents").Scan(&latest); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read latest commit time: %w", err)
	}
	if t, ok := docstore.ParseTime(latest.String); latest.Valid && ok {
		m.lastCommit = t
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// SetPublisher attaches a cross-process change publisher.
func (m *Manager) SetPublisher(p ChangePublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if op.serial != nil {
				op.serial()
				op.result <- nil
				continue
			}
			changes, err := m.runTransaction(op)
			if err != nil && isBusy(err) {
				log.Printf("Database write busy, retrying once: %v", err)
				time.Sleep(50 * time.Millisecond)
				changes, err = m.runTransaction(op)
			}
			if err == nil {
				m.notify(changes)
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func (m *Manager) commitTime() time.Time {
	now := m.clock().UTC()
	if !now.After(m.lastCommit) {
		now = m.lastCommit.Add(time.Microsecond)
	}
	m.lastCommit = now
	return now
}

func (m *Manager) runTransaction(op writeOperation) ([]change, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	previous := m.lastCommit
	changes, err := op.operation(tx, m.commitTime())
	if err != nil {
		m.lastCommit = previous
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		m.lastCommit = previous
		return nil, classify("commit", err)
	}
	return changes, nil
}

// notify runs on the writer goroutine after a commit.
func (m *Manager) notify(changes []change) {
	m.mu.RLock()
	publisher := m.publisher
	m.mu.RUnlock()

	for _, c := range changes {
		m.notifier.DocumentChanged(&interfaces.Snapshot{
			Collection: c.collection,
			ID:         c.id,
			Data:       c.after,
			Exists:     c.after != nil,
			UpdateTime: c.updated,
		})
		for _, sub := range m.notifier.QueriesAffected(c.collection, c.before, c.after) {
			snaps, err := m.runQuery(context.Background(), sub.Query)
			sub.Deliver(snaps, err)
		}
		if publisher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := publisher.Publish(ctx, c.collection, c.id); err != nil {
				log.Printf("Change publish failed: collection=%s id=%s err=%v", c.collection, c.id, err)
			}
			cancel()
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, op writeOperation) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	op.result = make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- op:
	case <-timeout.C:
		return interfaces.Transient("write", errors.New("write queue timeout"))
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-op.result:
		return err
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}
}

// RemoteChange re-reads a document changed by another process and notifies
// local listeners.
func (m *Manager) RemoteChange(ctx context.Context, collection, id string) error {
	return m.executeWrite(ctx, writeOperation{serial: func() {
		snap, err := m.readDocument(context.Background(), collection, id)
		if err != nil {
			log.Printf("Remote change read failed: collection=%s id=%s err=%v", collection, id, err)
			return
		}
		m.notifier.DocumentChanged(snap)
		for _, sub := range m.notifier.QueriesOn(collection) {
			snaps, err := m.runQuery(context.Background(), sub.Query)
			sub.Deliver(snaps, err)
		}
	}})
}

func (m *Manager) readDocument(ctx context.Context, collection, id string) (*interfaces.Snapshot, error) {
	var raw, updated string
	err := m.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &interfaces.Snapshot{Collection: collection, ID: id}, nil
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return decodeSnapshot(collection, id, raw, updated)
}

func decodeSnapshot(collection, id, raw, updated string) (*interfaces.Snapshot, error) {
	var data interfaces.Document
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	t, _ := docstore.ParseTime(updated)
	return &interfaces.Snapshot{Collection: collection, ID: id, Data: data, Exists: true, UpdateTime: t}, nil
}

func (m *Manager) runQuery(ctx context.Context, q interfaces.Query) ([]*interfaces.Snapshot, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT id, data, updated_at FROM documents WHERE collection = ? ORDER BY created_at, id",
		q.Collection,
	)
	if err != nil {
		return nil, classify("query", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []*interfaces.Snapshot
	for rows.Next() {
		var id, raw, updated string
		if err := rows.Scan(&id, &raw, &updated); err != nil {
			return nil, classify("query", err)
		}
		snap, err := decodeSnapshot(q.Collection, id, raw, updated)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return docstore.RunQuery(candidates, q), nil
}

// GetDocument reads one document.
func (m *Manager) GetDocument(ctx context.Context, collection, id string) (*interfaces.Snapshot, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := m.readDocument(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if !snap.Exists {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, interfaces.ErrDocumentNotFound)
	}
	return snap, nil
}

// Query runs q against committed state.
func (m *Manager) Query(ctx context.Context, q interfaces.Query) ([]*interfaces.Snapshot, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.runQuery(ctx, q)
}

// SubscribeDocument registers on the writer goroutine so the initial
// snapshot and later changes share one order.
func (m *Manager) SubscribeDocument(ctx context.Context, collection, id string, handler interfaces.DocumentHandler) (interfaces.Unsubscribe, error) {
	var unsub interfaces.Unsubscribe
	var subErr error
	err := m.executeWrite(ctx, writeOperation{serial: func() {
		var sub *docstore.DocumentSubscription
		sub, unsub, subErr = m.notifier.WatchDocument(collection, id, handler)
		if subErr != nil {
			return
		}
		sub.Deliver(m.readDocument(context.Background(), collection, id))
	}})
	if err != nil {
		return nil, err
	}
	return unsub, subErr
}

// SubscribeQuery registers a query listener on the writer goroutine.
func (m *Manager) SubscribeQuery(ctx context.Context, q interfaces.Query, handler interfaces.QueryHandler) (interfaces.Unsubscribe, error) {
	var unsub interfaces.Unsubscribe
	var subErr error
	err := m.executeWrite(ctx, writeOperation{serial: func() {
		var sub *docstore.QuerySubscription
		sub, unsub, subErr = m.notifier.WatchQuery(q, handler)
		if subErr != nil {
			return
		}
		sub.Deliver(m.runQuery(context.Background(), q))
	}})
	if err != nil {
		return nil, err
	}
	return unsub, subErr
}

// UpdateFields applies mutations to an existing document in one transaction.
func (m *Manager) UpdateFields(ctx context.Context, collection, id string, mutations ...interfaces.Mutation) error {
	return m.executeWrite(ctx, writeOperation{operation: func(tx *sql.Tx, at time.Time) ([]change, error) {
		var raw string
		err := tx.QueryRow("SELECT data FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, interfaces.ErrDocumentNotFound)
		}
		if err != nil {
			return nil, classify("update", err)
		}

		var before interfaces.Document
		if err := json.Unmarshal([]byte(raw), &before); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
		}
		after, err := docstore.Apply(before, at, mutations...)
		if err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
		}
		encoded, err := json.Marshal(after)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
		}

		if _, err := tx.Exec(
			"UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?",
			string(encoded), docstore.FormatTime(at), collection, id,
		); err != nil {
			return nil, classify("update", err)
		}
		return []change{{collection: collection, id: id, before: before, after: after, updated: at}}, nil
	}})
}

// CreateIfAbsent inserts the document unless the key is taken.
func (m *Manager) CreateIfAbsent(ctx context.Context, collection, id string, initial interfaces.Document) (bool, error) {
	created := false
	err := m.executeWrite(ctx, writeOperation{operation: func(tx *sql.Tx, at time.Time) ([]change, error) {
		created = false
		doc, err := docstore.PrepareDocument(initial, at)
		if err != nil {
			return nil, fmt.Errorf("create %s/%s: %w", collection, id, err)
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
		}

		stamp := docstore.FormatTime(at)
		res, err := tx.Exec(
			`INSERT INTO documents (collection, id, data, updated_at, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (collection, id) DO NOTHING`,
			collection, id, string(encoded), stamp, stamp,
		)
		if err != nil {
			return nil, classify("create", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, classify("create", err)
		}
		if n == 0 {
			return nil, nil
		}
		created = true
		return []change{{collection: collection, id: id, after: doc, updated: at}}, nil
	}})
	return created, err
}

// AppendToSubcollection inserts an item with a time-ordered uuid.
func (m *Manager) AppendToSubcollection(ctx context.Context, collection, id, subcollection string, item interfaces.Document) (*interfaces.Appended, error) {
	path := interfaces.SubcollectionPath(collection, id, subcollection)
	var appended *interfaces.Appended

	err := m.executeWrite(ctx, writeOperation{operation: func(tx *sql.Tx, at time.Time) ([]change, error) {
		itemID, err := uuid.NewV7()
		if err != nil {
			return nil, interfaces.Transient("append", err)
		}
		doc, err := docstore.PrepareDocument(item, at)
		if err != nil {
			return nil, fmt.Errorf("append %s: %w", path, err)
		}
		stamp := docstore.FormatTime(at)
		doc["id"] = itemID.String()
		doc["timestamp"] = stamp

		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item in %s: %w", path, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO documents (collection, id, data, updated_at, created_at) VALUES (?, ?, ?, ?, ?)",
			path, itemID.String(), string(encoded), stamp, stamp,
		); err != nil {
			return nil, classify("append", err)
		}

		appended = &interfaces.Appended{ID: itemID.String(), Timestamp: at}
		return []change{{collection: path, id: itemID.String(), after: doc, updated: at}}, nil
	}})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return interfaces.ErrStoreClosed
	}
	return nil
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	m.notifier.Close()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// classify marks lock contention and I/O failures as transient.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return interfaces.Transient(op, err)
		}
		return &interfaces.StoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
