package model

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the taxonomy from spec.md §7 so callers can
// branch on failure class without string-matching messages.
type Kind string

const (
	KindConfigError  Kind = "config_error"
	KindNotFound     Kind = "not_found"
	KindTransient    Kind = "transient"
	KindParseError   Kind = "parse_error"
	KindGuardBlocked Kind = "guard_blocked"
	KindCancelled    Kind = "cancelled"
	KindInternal     Kind = "internal"
)

// Error is a tagged error: a Kind plus a message and an optional wrapped
// cause. It supports errors.Is/As via Unwrap and a Kind-based comparison.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, &model.Error{Kind: model.KindNotFound}).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// NewError builds a tagged error with no cause.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a tagged error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err (or something it wraps) is a *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrCancelled is returned by long-running operations when a cancellation
// signal fires at an await point.
var ErrCancelled = NewError(KindCancelled, "operation cancelled")
