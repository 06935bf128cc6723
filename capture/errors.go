package capture

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is. The typed errors below unwrap to them.
var (
	ErrValidation     = errors.New("capture: validation failed")
	ErrNotFound       = errors.New("capture: record not found")
	ErrStorage        = errors.New("capture: storage failure")
	ErrNotInitialized = errors.New("capture: store not initialized")
)

// ValidationError reports an input rejected before any write happened.
// Callers re-prompt the operator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capture: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError is returned when no record carries the requested id.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capture: record %d not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StorageError wraps an I/O-layer fault (disk full, corruption, closed
// handle). The store never retries these; the caller decides.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("capture: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the driver error.
func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
