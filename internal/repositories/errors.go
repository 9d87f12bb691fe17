package repositories

import (
	"errors"
	"fmt"
)

// ErrLeaseHeld indicates another owner holds a live run lease.
var ErrLeaseHeld = errors.New("run state: lease held by another owner")

// StoreErrorCode categorises persistence failures for callers.
type StoreErrorCode string

const (
	// StoreErrorUnknown represents an unspecified failure.
	StoreErrorUnknown StoreErrorCode = "store_unknown"
	// StoreErrorNotFound indicates the requested document is missing.
	StoreErrorNotFound StoreErrorCode = "store_not_found"
	// StoreErrorConflict indicates a uniqueness or precondition clash.
	StoreErrorConflict StoreErrorCode = "store_conflict"
	// StoreErrorUnavailable indicates the backend could not be reached.
	StoreErrorUnavailable StoreErrorCode = "store_unavailable"
)

// StoreError wraps store failures with a machine readable code.
type StoreError struct {
	Op   string
	Code StoreErrorCode
	Err  error
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStoreError constructs a typed store error.
func NewStoreError(op string, code StoreErrorCode, err error) *StoreError {
	return &StoreError{Op: op, Code: code, Err: err}
}

// IsNotFound reports whether err carries the not-found store code.
func IsNotFound(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Code == StoreErrorNotFound
}

// IsConflict reports whether err carries the conflict store code.
func IsConflict(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Code == StoreErrorConflict
}
