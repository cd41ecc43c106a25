package platform

import "errors"

var (
	// ErrResourceExhausted means the platform refused to create a resource
	// (e.g. channel limit reached). Surfaced to the triggering caller and
	// not retried automatically.
	ErrResourceExhausted = errors.New("platform: resource exhausted")

	// ErrNotFound means the external resource is already gone. Cleanup
	// paths swallow it and treat the delete as a success.
	ErrNotFound = errors.New("platform: not found")
)

// IgnoreNotFound maps ErrNotFound to nil so delete/cleanup call sites can
// treat an already-deleted resource as success.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
