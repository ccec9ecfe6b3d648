// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/queue/sync layers.
var (
	// ErrNotFound indicates the requested entity does not exist in the store.
	// On a supposedly-existing id this is a caller bug, not a recoverable state.
	ErrNotFound = errors.New("not found")

	// ErrBlobMissing indicates an image key had no backing file. Non-fatal:
	// the document keeps existing and callers render a placeholder.
	ErrBlobMissing = errors.New("blob missing")

	// ErrConflict indicates the remote copy changed after our last sync and
	// the entity now needs explicit user resolution.
	ErrConflict = errors.New("sync conflict")

	// ErrRetryable indicates a transient remote failure (network, 5xx, timeout).
	ErrRetryable = errors.New("transient remote failure")

	// ErrTerminal indicates a deterministic remote rejection that must not be
	// retried automatically.
	ErrTerminal = errors.New("terminal remote rejection")

	// ErrClosed indicates the store was already torn down.
	ErrClosed = errors.New("store closed")
)
