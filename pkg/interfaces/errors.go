package interfaces

import "errors"

// Common store errors shared by every MessageStore implementation.
var (
	ErrNotFound    = errors.New("message not found")
	ErrStoreClosed = errors.New("message store is closed")

	// ErrStoreUnavailable wraps any other persistence failure. The event
	// that hit it is dropped and nothing is broadcast.
	ErrStoreUnavailable = errors.New("message store unavailable")
)
