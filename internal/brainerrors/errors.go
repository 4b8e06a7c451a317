// Package brainerrors defines the error taxonomy shared across the brain
// core. HTTP handlers map these onto status codes; the router and worker use
// them to decide whether an error is eligible for fallback or redelivery.
package brainerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an addressable entity is missing. Mapped to 404.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing or invalid bearer token. Mapped to 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable indicates a collaborator is down or the brain is
	// draining. Mapped to 503.
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalidResponseShape indicates a model adapter returned a
	// structurally wrong response. Never retried.
	ErrInvalidResponseShape = errors.New("invalid response shape")

	// ErrUnknownRole indicates a role name with no model mapping.
	ErrUnknownRole = errors.New("unknown role")

	// ErrUnknownModel indicates a model id absent from the router config.
	ErrUnknownModel = errors.New("unknown model id")
)

// ValidationError reports malformed caller input. Mapped to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError marks an error as eligible for fallback-chain retry on
// non-streaming router calls and for at-least-once redelivery by the bus.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as transient. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ToolExecutionError carries a tool failure payload. The agent loop converts
// it into a tool_result message so the model can react; it is not a
// turn-level failure.
type ToolExecutionError struct {
	Tool string
	Msg  string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Msg)
}
