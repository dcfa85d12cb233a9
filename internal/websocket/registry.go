package websocket

import (
	"sync"
)

// Registry tracks live connections per user. A user may hold several
// connections at once (tabs, devices); each is keyed by its own id so a
// closing connection never removes another.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection // userID -> connID -> Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]*Connection)}
}

// RegisterConnection adds conn under its current user.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	userID := conn.GetUserID()
	if userID == "" {
		return ErrNoUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(userID, conn)
	return nil
}

func (r *Registry) addLocked(userID string, conn *Connection) {
	conns := r.users[userID]
	if conns == nil {
		conns = make(map[string]*Connection)
		r.users[userID] = conns
	}
	conns[conn.ID()] = conn
}

func (r *Registry) removeLocked(userID string, conn *Connection) {
	conns, ok := r.users[userID]
	if !ok || conns[conn.ID()] != conn {
		return
	}
	delete(conns, conn.ID())
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}

// UnregisterConnection removes conn. Idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn.GetUserID(), conn)
}

// Rebind moves conn to userID, as when the client identifies as someone else.
func (r *Registry) Rebind(conn *Connection, userID string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if userID == "" {
		return ErrNoUser
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn.GetUserID(), conn)
	conn.setUserID(userID)
	r.addLocked(userID, conn)
	return nil
}

// GetUserConnections returns the live connections of userID.
func (r *Registry) GetUserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.users[userID]))
	for _, conn := range r.users[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// IsConnected reports whether userID has a live connection to this process.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, conns := range r.users {
		total += len(conns)
	}
	return map[string]int{
		"total_connections": total,
		"connected_users":   len(r.users),
	}
}
