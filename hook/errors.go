package hook

import "errors"

var (
	ErrHookNotFound       = errors.New("hook not found")
	ErrHookAlreadyExists  = errors.New("hook already exists")
	ErrEmptyHookID        = errors.New("hook id cannot be empty")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrRatelimitClientNil = errors.New("rate limit hook received a nil client")
)
