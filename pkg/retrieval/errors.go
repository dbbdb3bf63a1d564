package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for requests missing required identifiers.
	ErrInvalidInput = errors.New("invalid input")
	// ErrIndexUnavailable matches any failure of the similarity index.
	ErrIndexUnavailable = errors.New("similarity index unavailable")
	// ErrCacheUnavailable matches any cache failure that had to be surfaced.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

const (
	backendIndex = "index"
	backendCache = "cache"
)

// BackendError describes a failed call to the index or the cache.
// It matches ErrIndexUnavailable or ErrCacheUnavailable with errors.Is and
// also unwraps to the underlying cause.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() []error {
	switch e.Backend {
	case backendIndex:
		return []error{ErrIndexUnavailable, e.Err}
	case backendCache:
		return []error{ErrCacheUnavailable, e.Err}
	default:
		return []error{e.Err}
	}
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
