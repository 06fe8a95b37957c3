package models

import (
	"math"
	"time"
)

// Limit is a request budget per sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is in seconds and only set when not allowed.
	RetryAfter int `json:"retry_after,omitempty"`
	// Degraded is set when the answer came from the in-process fallback.
	Degraded bool `json:"-"`
}

// Denied builds a rejection that resets at resetAt.
func Denied(limit int, resetAt, now time.Time) *Result {
	return &Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: RetryAfterSeconds(resetAt, now),
	}
}

// RetryAfterSeconds rounds up to whole seconds, never below one.
func RetryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}
