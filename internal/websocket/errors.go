package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write queue full past write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrNoUser        = errors.New("connection has no user")
)

// Frame-related errors, reported to the client as error events.
var (
	ErrUnknownFrame     = errors.New("unknown frame type")
	ErrMissingChannel   = errors.New("frame is missing the channel")
	ErrNotSubscribed    = errors.New("no message stream open for channel")
	ErrAlreadyStreaming = errors.New("message stream already open for channel")
)
