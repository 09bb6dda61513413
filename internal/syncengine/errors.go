package syncengine

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

var (
	// ErrOutOfOrder indicates that a client sequence skipped ahead of the next expected value.
	ErrOutOfOrder   = errors.New("syncengine: client sequence out of order")
	errMissingStore = errors.New("event store is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// OutOfOrderError reports the sequence the engine expected from the client.
type OutOfOrderError struct {
	RoomID   eventlog.RoomID
	ClientID eventlog.ClientID
	Expected eventlog.ClientSeq
	Received eventlog.ClientSeq
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%v: room %s client %s expected %d, received %d",
		ErrOutOfOrder, e.RoomID, e.ClientID, e.Expected, e.Received)
}

// Is reports whether the target is ErrOutOfOrder.
func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}
