package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Cart stores and the session-token
// key-value stores return these (optionally wrapped) so services can
// translate them into domain errors.
//
//   - ErrNotFound: no record exists for the key (a valid empty state for carts)
//   - ErrConflict: optimistic version check failed on save
//   - ErrInvalidState: record in wrong state for the requested operation
//   - ErrUnavailable: backing store temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
