package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by every Manager operation before Initialize
	ErrNotInitialized = errors.New("catalog manager not initialized")

	// ErrNotFound is returned by transports for a missing object
	ErrNotFound = errors.New("object not found")

	// ErrNoIndex is returned when a catalog has none of the index files
	ErrNoIndex = errors.New("no index file found in catalog")

	// ErrExtensionNotFound is returned when no catalog lists an apk
	ErrExtensionNotFound = errors.New("extension not found in any catalog")

	// ErrUnsupportedScheme is returned for urls no transport serves
	ErrUnsupportedScheme = errors.New("unsupported catalog url scheme")
)

// StatusError is an unexpected response status
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}
