package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable classifies every failure of the durable store. Callers may retry.
	ErrStoreUnavailable = errors.New("eventlog: store unavailable")
	// ErrCursorConflict indicates that another writer moved the client's cursor first. Callers may retry.
	ErrCursorConflict = errors.New("eventlog: cursor moved concurrently")
	// ErrMissingDatabase indicates that the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("eventlog: database handle is required")
)

// StoreError reports a failed store operation. It matches ErrStoreUnavailable and unwraps to the driver error.
type StoreError struct {
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether the target is ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func newStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreError{Operation: operation, Err: err}
}
