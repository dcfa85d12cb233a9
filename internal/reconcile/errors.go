package reconcile

import "errors"

var (
	ErrAlreadyRunning = errors.New("reconciler is already running")
	ErrNotRunning     = errors.New("reconciler is not running")
)
