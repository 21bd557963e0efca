package chatsync

import "errors"

// ErrorCode is a machine-readable error code.
type ErrorCode string

const (
	CodeUnauthenticated    ErrorCode = "UNAUTHENTICATED"
	CodeTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
	CodeSendTimeout        ErrorCode = "SEND_TIMEOUT"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeClosed             ErrorCode = "CLOSED"
)

// Error is the error type returned by this package.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrUnauthenticated    = &Error{Code: CodeUnauthenticated}
	ErrTransportFailure   = &Error{Code: CodeTransportFailure}
	ErrSendTimeout        = &Error{Code: CodeSendTimeout}
	ErrNotConnected       = &Error{Code: CodeNotConnected}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInvalidInput       = &Error{Code: CodeInvalidInput}
	ErrReconnectExhausted = &Error{Code: CodeReconnectExhausted}
	ErrClosed             = &Error{Code: CodeClosed}
)

func unauthenticated(msg string, err error) *Error {
	return &Error{Code: CodeUnauthenticated, Message: msg, Err: err}
}

func transportFailure(msg string, err error) *Error {
	return &Error{Code: CodeTransportFailure, Message: msg, Err: err}
}

func invalidInput(msg string) *Error {
	return &Error{Code: CodeInvalidInput, Message: msg}
}

// IsUnauthenticated reports whether err requires the user to re-authenticate.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}
