package models

import "errors"

// Failure taxonomy of the cart continuity subsystem. Callers match with
// errors.Is; remote errors are wrapped with status details.
var (
	// ErrIdentityUnavailable: the durable session-token store is inaccessible.
	// Absorbed by the identity package, which falls back to an ephemeral token.
	ErrIdentityUnavailable = errors.New("session identity unavailable")

	// ErrRemoteUnreachable: the cart backend could not be reached, timed out,
	// or failed server-side.
	ErrRemoteUnreachable = errors.New("cart backend unreachable")

	// ErrRemoteRejected: the backend refused the call (invalid credential,
	// validation, version conflict).
	ErrRemoteRejected = errors.New("cart backend rejected request")

	// ErrMergeFailed: any failure while consolidating a guest cart into an
	// account cart.
	ErrMergeFailed = errors.New("cart merge failed")

	// ErrStaleOwner: a result was discarded because the current owner changed
	// while the call was in flight.
	ErrStaleOwner = errors.New("cart owner changed during call")
)
