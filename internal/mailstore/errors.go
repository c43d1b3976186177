package mailstore

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected reports that the server dropped a subscription.
	ErrDisconnected = errors.New("subscription disconnected")

	// ErrNotFound reports that an item no longer exists in the store.
	ErrNotFound = errors.New("item not found")

	// ErrConflict reports that an item changed since it was fetched.
	ErrConflict = errors.New("item changed concurrently")
)

// ConnectionError indicates that a subscription could not be opened,
// either because authentication failed or the network setup did.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError indicates that an item's content or attachments could not
// be read.
type FetchError struct {
	ItemID string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch error (%s %s): %v", e.Op, e.ItemID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UpdateError indicates that marking an item read and tagged failed.
type UpdateError struct {
	ItemID string
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update error (%s): %v", e.ItemID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsFetchError reports whether err (or any error in its chain) is a
// FetchError.
func IsFetchError(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

// IsUpdateError reports whether err (or any error in its chain) is an
// UpdateError.
func IsUpdateError(err error) bool {
	var updErr *UpdateError
	return errors.As(err, &updErr)
}
