package manager

import "errors"

var (
	// ErrNotInitialized is returned by every operation before Initialize
	ErrNotInitialized = errors.New("extension manager not initialized")

	// ErrGroupNotFound is returned when no group has the requested id
	ErrGroupNotFound = errors.New("extension group not found")

	// ErrIndexOutOfRange is returned for an entry index outside the group
	ErrIndexOutOfRange = errors.New("entry index out of range")

	// ErrConversionFailed wraps converter failures
	ErrConversionFailed = errors.New("conversion failed")

	// ErrNoSources is returned when an extension declares no sources
	ErrNoSources = errors.New("extension declares no sources")
)
