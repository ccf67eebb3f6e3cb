package patient

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by reads of a patient that does not exist.
var ErrNotFound = errors.New("patient not found")

// ValidationError reports a required payload field that is missing. It is
// raised before storage is touched.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// DomainError reports a payload value that failed parsing or normalisation.
type DomainError struct {
	Field string
	Value string
	Err   error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *DomainError) Unwrap() error { return e.Err }

// IntegrityError reports a backing-store constraint violation. For reference
// rows it usually means a concurrent unit of work inserted the same value first.
type IntegrityError struct {
	Entity string
	Value  string
	Err    error
}

func (e *IntegrityError) Error() string {
	msg := "integrity violation on " + e.Entity
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// StorageError reports a connection or transport failure. It is fatal to the
// current unit of work.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// errDuplicate is the cause carried by IntegrityError when an insert of a
// reference value was skipped by ON CONFLICT DO NOTHING.
var errDuplicate = errors.New("duplicate value")
