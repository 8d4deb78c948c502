package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited  = errors.New("ratelimit: request limit exceeded")
	ErrTokenLimited = errors.New("ratelimit: token budget exhausted")
)

// RateLimitError is the typed denial carried back to callers and into
// structured replies.
type RateLimitError struct {
	Window     string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
	Reason     string

	err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Reason)
}

func (e *RateLimitError) Unwrap() error { return e.err }
