package api

import "errors"

var (
	ErrMissingUser  = errors.New("missing X-User-ID header")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUserMismatch = errors.New("profile id does not match X-User-ID")
)
