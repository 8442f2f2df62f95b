// Package domainerrors defines the error taxonomy returned across service boundaries.
//
// Services return *Error values carrying a Code; transport layers map the Code
// onto a status and a stable wire identifier. Stores never return these directly;
// they return pkg/platform/sentinel errors that services translate.
package domainerrors

import (
	"errors"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeAuthFailed         Code = "AUTH_FAILED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAlreadyRevoked     Code = "ALREADY_REVOKED"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeLedgerUnavailable  Code = "LEDGER_UNAVAILABLE"
	CodeNotFound           Code = "NOT_FOUND"

	// Transport and infrastructure codes.
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeConflict     Code = "CONFLICT"
	CodeTimeout      Code = "TIMEOUT"
	CodeInternal     Code = "INTERNAL"
)

// Error is a domain error with a code, a human readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in err's chain is a domain error with code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// GetCode returns the code of the first domain error in err's chain,
// or CodeInternal when there is none.
func GetCode(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error signals an unavailable external dependency.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeStorageUnavailable, CodeLedgerUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}
