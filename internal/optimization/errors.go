package optimization

import (
	stderrors "errors"
	"fmt"
)

// Error is returned by optimizers. Evaluations counts the objective calls
// made before the failure, zero if it happened during validation.
type Error struct {
	Message     string
	Op          string
	Method      string
	Evaluations int
	Err         error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	switch {
	case e.Method != "" && e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Method, e.Op, msg)
	case e.Method != "":
		return e.Method + ": " + msg
	case e.Op != "":
		return e.Op + ": " + msg
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

// WithOperation sets the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithMethod sets the name of the optimizer that failed.
func (e *Error) WithMethod(method string) *Error {
	e.Method = method
	return e
}

// NewError creates an optimization error.
func NewError(message string) *Error {
	return &Error{Message: message}
}

// NewErrorf creates an optimization error with a formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// WrapErrorf wraps err with a formatted message. It returns nil for a nil
// err.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}
