package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated means no user could be resolved for the request.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrSessionNotFound means no session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionPermission means the session exists but belongs to another user.
	ErrSessionPermission = errors.New("session belongs to another user")
)

// ValidationError reports a malformed request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError is returned when a user exhausted their request budget.
type RateLimitError struct {
	Remaining int
	WaitTime  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.WaitTime)
}

// RetryAfterSeconds rounds the wait up to whole seconds for the Retry-After header.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.WaitTime + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// GenerationError wraps a failure of the generation backend.
type GenerationError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a generation failure worth retrying.
func IsRetryable(err error) bool {
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		return gerr.Retryable
	}
	return false
}
