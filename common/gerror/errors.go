package gerror

import (
	"errors"
)

const (
	ErrCodeInternal         Code = "Internal"
	ErrCodeNotFound         Code = "NotFound"
	ErrCodeAlreadyExists    Code = "AlreadyExists"
	ErrCodeValidationFailed Code = "ValidationFailed"
	ErrCodeTimeout          Code = "Timeout"
	ErrCodeProtocolMismatch Code = "ProtocolMismatch"
	ErrCodeStepCancelled    Code = "StepCancelled"
	ErrCodeNoTokens         Code = "NoTokens"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal(message string, err error) Error {
	return NewError(message, ErrCodeInternal, err)
}

func NewErrNotFound(message string) Error {
	return NewError(message, ErrCodeNotFound, nil)
}

func ToNotFound(err error) *Error {
	return ToError(err, ErrCodeNotFound)
}

func IsNotFound(err error) bool {
	return ToNotFound(err) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, ErrCodeAlreadyExists, nil)
}

func IsAlreadyExists(err error) bool {
	return ToError(err, ErrCodeAlreadyExists) != nil
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, ErrCodeValidationFailed, nil)
}

func IsValidationFailed(err error) bool {
	return ToError(err, ErrCodeValidationFailed) != nil
}

func NewErrTimeout(message string) Error {
	return NewError(message, ErrCodeTimeout, nil)
}

func IsTimeout(err error) bool {
	return ToError(err, ErrCodeTimeout) != nil
}

// NewErrProtocolMismatch is returned when a remote builder speaks an
// unexpected serve protocol.
func NewErrProtocolMismatch(message string) Error {
	return NewError(message, ErrCodeProtocolMismatch, nil)
}

func IsProtocolMismatch(err error) bool {
	return ToError(err, ErrCodeProtocolMismatch) != nil
}

// NewErrStepCancelled is reported by a builder whose step was cancelled while
// the remote build was in flight.
func NewErrStepCancelled() Error {
	return NewError("step cancelled", ErrCodeStepCancelled, nil)
}

func IsStepCancelled(err error) bool {
	return ToError(err, ErrCodeStepCancelled) != nil
}

// NewErrNoTokens is returned when a single reservation asks for as many memory
// tokens as the server owns, or more.
func NewErrNoTokens(message string) Error {
	return NewError(message, ErrCodeNoTokens, nil)
}
