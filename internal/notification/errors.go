package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input rejected before anything is persisted.
	ErrValidation = errors.New("validation error")
	// ErrDuplicateID is returned by the store when an id already exists.
	ErrDuplicateID = errors.New("duplicate notification id")
	// ErrInvalidState is returned for operations that do not fit the
	// notification lifecycle (e.g. cancelling a delivered notification).
	ErrInvalidState = errors.New("invalid notification state")
	ErrNotFound     = errors.New("notification not found")
	// ErrDelivery marks presentation or transport failures. It never changes
	// persisted state.
	ErrDelivery = errors.New("delivery failed")
	// ErrSchemaDrift is returned when a stored record carries values the
	// current mapping table does not know.
	ErrSchemaDrift = errors.New("stored record does not match schema")
	ErrStopped     = errors.New("notification manager stopped")
	// ErrStorage is matched by every *StorageError.
	ErrStorage = errors.New("storage error")
)

// StorageError wraps an I/O failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// WrapStorage returns nil for nil errors and passes through domain errors
// (not found, duplicate, invalid state) untouched.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	for _, known := range []error{ErrNotFound, ErrDuplicateID, ErrInvalidState, ErrSchemaDrift, ErrValidation} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &StorageError{Op: op, Err: err}
}

// DeliveryError carries the id of the notification whose delivery failed.
type DeliveryError struct {
	ID  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }
