package crudkit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for CrudKit operations.
var (
	// ErrUnknownResource is returned when a slug is not registered. Callers
	// must surface this as not-found, never as a server error.
	ErrUnknownResource = errors.New("crudkit: unknown resource")

	// ErrUnauthorized is returned when the permission evaluator denies an
	// action.
	ErrUnauthorized = errors.New("crudkit: unauthorized")

	// ErrNotFound is returned when a row does not exist under the caller's
	// tenant scope. Scope mismatches render as not-found on purpose, so a
	// caller cannot confirm the existence of other tenants' data.
	ErrNotFound = errors.New("crudkit: not found")

	// ErrValidation is returned when input fails field-level validation.
	ErrValidation = errors.New("crudkit: validation failed")

	// ErrStructural is returned when a nested batch is malformed. The whole
	// batch is rejected before any per-operation work begins.
	ErrStructural = errors.New("crudkit: malformed batch")

	// ErrTransactionFailure is returned when storage fails mid-batch. The
	// transaction is rolled back in full.
	ErrTransactionFailure = errors.New("crudkit: transaction failed")

	// ErrNoCaller is returned when an operation requires a caller identity
	// and the context carries none.
	ErrNoCaller = errors.New("crudkit: no caller in context")

	// ErrNoTenant is returned when a tenant-scoped operation runs without a
	// tenant in context.
	ErrNoTenant = errors.New("crudkit: no tenant in context")
)

// Error wraps a sentinel error with additional context.
type Error struct {
	Err      error             // Underlying sentinel error
	Message  string            // Additional context
	Resource string            // Resource slug involved
	Tenant   string            // Tenant involved
	Caller   string            // Caller involved (if applicable)
	Fields   map[string]string // Field-qualified messages (validation/structural)
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error with context.
func NewError(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
	}
}

// WithResource adds the resource slug to the error.
func (e *Error) WithResource(slug string) *Error {
	e.Resource = slug
	return e
}

// WithTenant adds tenant information to the error.
func (e *Error) WithTenant(tenantID string) *Error {
	e.Tenant = tenantID
	return e
}

// WithCaller adds caller information to the error.
func (e *Error) WithCaller(callerID string) *Error {
	e.Caller = callerID
	return e
}

// WithField adds a field-qualified message to the error.
func (e *Error) WithField(path, message string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[path] = message
	return e
}

// WithFields merges a map of field-qualified messages into the error.
func (e *Error) WithFields(fields map[string]string) *Error {
	for path, message := range fields {
		e.WithField(path, message)
	}
	return e
}

// IsUnknownResource checks if an error is due to an unregistered slug.
func IsUnknownResource(err error) bool {
	return errors.Is(err, ErrUnknownResource)
}

// IsUnauthorized checks if an error is an authorization error.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound checks if an error is a not-found (or scope-hidden) error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if an error carries field-level validation failures.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStructural checks if an error is a malformed-batch rejection.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}

// IsTransactionFailure checks if an error is a rolled-back batch failure.
func IsTransactionFailure(err error) bool {
	return errors.Is(err, ErrTransactionFailure)
}

// FieldErrors extracts the field-qualified messages from an error, if any.
func FieldErrors(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
