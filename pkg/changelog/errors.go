package changelog

import "errors"

var (
	// ErrChangelogAccess wraps every failure to read or write the changelog.
	// Callers treat it as retryable.
	ErrChangelogAccess = errors.New("changelog access failed")

	// ErrCorruptRecord is returned when a stored record fails its checksum
	// or cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt changelog record")

	// ErrClosed is returned when the changelog has been closed.
	ErrClosed = errors.New("changelog closed")
)
