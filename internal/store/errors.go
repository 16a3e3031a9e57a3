package store

import "errors"

// Sentinel errors returned by Store implementations. Callers dispatch on
// these with errors.Is rather than comparing driver-specific error values.
var (
	// ErrUnavailable indicates the store could not be reached (connection,
	// pool exhaustion, context deadline) and the caller should retry.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict indicates a CAS write lost the race: the row's state
	// no longer matched the expected precondition.
	ErrConflict = errors.New("store: conflicting state")
	// ErrNotFound indicates no row exists for the given id.
	ErrNotFound = errors.New("store: not found")
)
