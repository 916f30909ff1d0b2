package store

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the store, queue, calls and dispatch
// packages wraps exactly one of these.
var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("access denied")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("store temporarily unavailable")
)

var (
	ErrEntryNotFound    = kindError(ErrNotFound, "queue entry not found")
	ErrCallNotFound     = kindError(ErrNotFound, "call not found")
	ErrNoPatientWaiting = kindError(ErrNotFound, "no patients waiting")
	ErrInvalidState     = kindError(ErrConflict, "queue entry state does not allow this action")
	ErrDoctorBusy       = kindError(ErrConflict, "doctor is already with a patient")
	ErrClinicMismatch   = kindError(ErrAuthorization, "clinic outside caller scope")
)

type kindErr struct {
	kind error
	msg  string
}

func (e *kindErr) Error() string { return e.msg }

func (e *kindErr) Unwrap() error { return e.kind }

func kindError(kind error, msg string) error {
	return &kindErr{kind: kind, msg: msg}
}

func Validationf(format string, args ...interface{}) error {
	return kindError(ErrValidation, fmt.Sprintf(format, args...))
}

// Transient marks err as retryable while keeping it inspectable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Kind returns the error kind err wraps, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrAuthorization, ErrConflict, ErrNotFound, ErrTransient} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
