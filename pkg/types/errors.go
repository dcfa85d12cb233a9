package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every engine component. Callers match with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrDuplicateRequest = errors.New("connection request already pending or users already connected")
	ErrNotFound         = errors.New("not found")
	ErrTransientStore   = errors.New("transient store error")
	ErrPartialWrite     = errors.New("partial write failure")
)

// Specific argument errors. Each wraps ErrInvalidArgument.
var (
	ErrInvalidUserID     = fmt.Errorf("%w: user ID must be 1-128 characters, alphanumeric or hyphen", ErrInvalidArgument)
	ErrSelfRequest       = fmt.Errorf("%w: a user cannot connect to themself", ErrInvalidArgument)
	ErrEmptyMessage      = fmt.Errorf("%w: message text is empty", ErrInvalidArgument)
	ErrMessageTooLong    = fmt.Errorf("%w: message text exceeds 4096 characters", ErrInvalidArgument)
	ErrInvalidChannelKey = fmt.Errorf("%w: malformed channel key", ErrInvalidArgument)
	ErrInvalidDecision   = fmt.Errorf("%w: decision must be accept or reject", ErrInvalidArgument)
)

// PartialWriteError reports a multi-document operation where some writes were
// applied and a later one failed. Nothing is rolled back; re-running the same
// operation converges.
type PartialWriteError struct {
	Operation string
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s: partial write: completed [%s], failed at %s: %v",
		e.Operation, strings.Join(e.Completed, ", "), e.Failed, e.Err)
}

// Is makes errors.Is(err, ErrPartialWrite) true.
func (e *PartialWriteError) Is(target error) bool {
	return target == ErrPartialWrite
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}
