package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound    = errors.New("file record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTemporary         = errors.New("temporary failure")
	ErrPermanent         = errors.New("permanent failure")
	ErrUnsupported       = errors.New("unsupported file")
	ErrRejected          = errors.New("task rejected by backend")
	ErrUnstableFile      = errors.New("file never stabilized")
	ErrSourceMissing     = errors.New("source file missing")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsTransient reports whether a stage error is worth retrying. Errors that
// carry no kind are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, ErrTemporary) {
		return true
	}
	switch {
	case IsKind(err, ErrPermanent),
		IsKind(err, ErrUnsupported),
		IsKind(err, ErrRejected),
		IsKind(err, ErrUnstableFile),
		IsKind(err, ErrSourceMissing),
		IsKind(err, ErrInvalidInput):
		return false
	default:
		return true
	}
}
