// Package resilience holds the typed error kinds used across the control
// plane plus the retry and circuit-breaker plumbing that maps transient
// repository failures to a single Unavailable kind.
package resilience

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad input. Mapped to HTTP 400 and never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown entity id. Mapped to HTTP 404.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError reports an illegal state transition. The message names the
// source and target state. Mapped to HTTP 400.
type ConflictError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func Conflict(entity, id, from, to string) *ConflictError {
	return &ConflictError{Entity: entity, ID: id, From: from, To: to}
}

// UnavailableError wraps a transient repository failure after retries are
// exhausted. Mapped to HTTP 503; the serve command exits 2 when startup
// hits it.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("repository unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func Unavailable(err error) *UnavailableError {
	return &UnavailableError{Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
