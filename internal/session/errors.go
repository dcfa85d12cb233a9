package session

import "errors"

var (
	ErrSessionClosed  = errors.New("session has ended")
	ErrAlreadyStarted = errors.New("session manager already started")
)
