// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error types and error handling utilities for asyncws.

package api

import (
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"
)

// Common errors used across the library.
var (
	// ErrWouldBlock is returned by non-blocking streams when the operation
	// cannot make progress until the descriptor becomes ready.
	ErrWouldBlock = errors.New("operation would block")

	ErrStreamClosed     = errors.New("stream is closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotSupported     = errors.New("operation not supported")
	ErrListenInProgress = errors.New("listen loop already running on socket")
	ErrSocketClosed     = errors.New("socket is no longer usable for listening")
)

// ErrorCode classifies fatal framing failures.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeMalformedHeader
	ErrCodeProtocolViolation
	ErrCodeTransport
	ErrCodeConnectionClosed
	ErrCodeInvalidPayload
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeMalformedHeader:
		return "malformed header"
	case ErrCodeProtocolViolation:
		return "protocol violation"
	case ErrCodeTransport:
		return "transport error"
	case ErrCodeConnectionClosed:
		return "connection closed"
	case ErrCodeInvalidPayload:
		return "invalid payload"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// Sentinels for errors.Is matching. Two *Error values match when their
// codes are equal, whatever the message or context.
var (
	ErrMalformedHeader   = &Error{Code: ErrCodeMalformedHeader, Message: "malformed header"}
	ErrProtocolViolation = &Error{Code: ErrCodeProtocolViolation, Message: "protocol violation"}
	ErrTransport         = &Error{Code: ErrCodeTransport, Message: "transport error"}
	ErrConnectionClosed  = &Error{Code: ErrCodeConnectionClosed, Message: "connection closed"}
	ErrInvalidPayload    = &Error{Code: ErrCodeInvalidPayload, Message: "invalid payload"}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Message != "" && e.Message != msg {
		msg += ": " + e.Message
	}
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// MalformedHeader reports a header that violates canonical encoding.
func MalformedHeader(msg string) *Error { return NewError(ErrCodeMalformedHeader, msg) }

// ProtocolViolation reports a sequencing or control-frame rule violation.
func ProtocolViolation(msg string) *Error { return NewError(ErrCodeProtocolViolation, msg) }

// TransportFailure wraps a stream failure, keeping the call stack of the
// point where it was observed. io.EOF and io.ErrUnexpectedEOF are
// classified as ConnectionClosed.
func TransportFailure(err error) *Error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Code: ErrCodeConnectionClosed, Message: "unexpected end of stream", Cause: err}
	}
	return &Error{Code: ErrCodeTransport, Message: "transport error", Cause: pkgerrors.WithStack(err)}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeOK when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeOK
}
