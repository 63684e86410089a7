// Package storeerr defines the sentinel errors shared across the page-cache
// subsystem, separated from their owning packages to avoid import cycles
// between buffer, replacer, and hashdir.
package storeerr

import "errors"

// ErrPoolExhausted is returned by NewPage/FetchPage when no frame is free
// and the replacer has nothing evictable. This is an expected outcome, not
// a failure: callers branch on it with errors.Is and never log it as an
// error.
var ErrPoolExhausted = errors.New("storeerr: buffer pool exhausted")

// Precondition violations. Per spec these are fatal: the caller broke the
// contract and the process cannot safely continue servicing the request.
// Code that hits these should panic rather than fabricate a recoverable
// path.
var (
	// ErrInvalidFrameID is raised when a frame id outside [0, pool_size)
	// is presented to the replacer.
	ErrInvalidFrameID = errors.New("storeerr: invalid frame id")

	// ErrNotEvictable is raised by Replacer.Remove when the targeted
	// frame is known but not marked evictable.
	ErrNotEvictable = errors.New("storeerr: frame is not evictable")
)
