package errs

import (
	"fmt"
	"strings"
)

// InvalidInputError describes which argument was rejected and why.
type InvalidInputError struct {
	Field  string
	Reason string
}

// Invalid is a shorthand constructor for *InvalidInputError.
func Invalid(field, reason string) *InvalidInputError {
	return &InvalidInputError{Field: field, Reason: reason}
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match.
func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// ModuleFailure is one module that did not finish a migration sweep.
type ModuleFailure struct {
	Module string
	Err    error
}

// PartialFailure reports a migration in which some modules failed while
// others committed.
type PartialFailure struct {
	Failures []ModuleFailure
}

func (e *PartialFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Module, f.Err))
	}
	return "migration partially failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-module causes to errors.Is/As.
func (e *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}
