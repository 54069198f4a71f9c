package gerror

import (
	"fmt"
)

type Code string
type DetailKey string
type Details map[DetailKey]interface{}

// Error is an error with a machine-readable code, used where a caller needs
// to branch on the kind of failure rather than only report it.
type Error struct {
	innerErr error
	// errorText is the internal error chain suitable for logging and debugging
	errorText string
	// message is the human friendly error message
	message string
	details Details
	code    Code
}

func NewError(message string, code Code, inner error) Error {
	return NewErrorWithDetails(message, nil, code, inner)
}

func NewErrorWithDetails(message string, details Details, code Code, inner error) Error {
	return Error{
		innerErr:  inner,
		message:   message,
		errorText: makeErrorText(message, details, inner),
		details:   details,
		code:      code,
	}
}

func (e Error) Error() string {
	if e.errorText != "" {
		return e.errorText
	}
	return e.message
}

func (e Error) Unwrap() error {
	return e.innerErr
}

func (e Error) Message() string {
	return e.message
}

func (e Error) Details() Details {
	m := make(Details, len(e.details))
	for k, v := range e.details {
		m[k] = v
	}
	return m
}

func (e Error) Code() Code {
	return e.code
}

// Wrap returns a copy of the error with the inner error set to the specified err.
func (e Error) Wrap(innerErr error) Error {
	return Error{
		innerErr:  innerErr,
		errorText: makeErrorText(e.message, e.details, innerErr),
		message:   e.message,
		details:   e.Details(),
		code:      e.code,
	}
}

// IDetail returns a copy of the error with the detail added, for internal use.
func (e Error) IDetail(key DetailKey, value interface{}) Error {
	details := e.Details()
	details[key] = value
	return Error{
		innerErr:  e.innerErr,
		errorText: makeErrorText(e.message, details, e.innerErr),
		message:   e.message,
		details:   details,
		code:      e.code,
	}
}

func makeErrorText(message string, details Details, inner error) string {
	text := message
	for k, v := range details {
		text += fmt.Sprintf(" %s=%v", k, v)
	}
	if inner != nil {
		text += fmt.Sprintf(": %v", inner)
	}
	return text
}
