package engine

import (
	"errors"
	"fmt"

	"studybuddy/pkg/types"
)

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")

	// ErrNotParticipant wraps types.ErrInvalidArgument.
	ErrNotParticipant = fmt.Errorf("%w: user is not a participant of the channel", types.ErrInvalidArgument)
)
