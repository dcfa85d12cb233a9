package interfaces

// Connection is a push channel to one client.
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the identity the connection is currently bound to
	GetUserID() string
}
