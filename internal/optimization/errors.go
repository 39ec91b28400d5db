package optimization

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid problem setup: bad bounds, unknown kinds,
	// negative weights, mismatched vector lengths.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidReference marks a variable or operand that points at a surface
	// the model does not have. It is also a configuration error.
	ErrInvalidReference = fmt.Errorf("%w: invalid surface reference", ErrConfiguration)

	// ErrScaling marks a variable whose scale and inverse scale do not
	// round-trip.
	ErrScaling = errors.New("scaling error")

	// ErrEvaluation marks a failed or non-finite operand evaluation.
	ErrEvaluation = errors.New("evaluation error")

	// ErrInfeasible marks a decision vector the model cannot represent, such
	// as an edge thickness measured beyond a surface's extent. Optimizers
	// score such vectors +Inf instead of stopping.
	ErrInfeasible = errors.New("infeasible vector")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = e.Component + ": " + e.Op
	case e.Component != "":
		prefix = e.Component
	default:
		prefix = e.Op
	}

	msg := e.Message
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// configErrorf builds a configuration error for the given operation.
func configErrorf(op, format string, args ...interface{}) error {
	return WrapErrorf(ErrConfiguration, format, args...).WithOperation(op).WithComponent("problem")
}

// referenceErrorf builds an invalid-reference error for the given operation.
func referenceErrorf(op, format string, args ...interface{}) error {
	return WrapErrorf(ErrInvalidReference, format, args...).WithOperation(op).WithComponent("problem")
}

// IsOptimizationError checks if an error is of type Error.
// If the error is an optimization error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
