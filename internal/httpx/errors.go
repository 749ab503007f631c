package httpx

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies where an error came from
type Kind string

const (
	KindAuth      Kind = "auth"      // authority unreachable or rejected
	KindTransport Kind = "transport" // connection or handshake failure
	KindAPI       Kind = "api"       // control plane rejected the call
	KindStream    Kind = "stream"    // socket failure while streaming
)

// Business error codes used when the peer does not supply one
const (
	// Success
	CodeSuccess = 0

	// Authority errors (1000-1099)
	CodeAuthUnreachable = 1001 // Authority could not be reached
	CodeAuthRejected    = 1002 // Authority answered with an error

	// Client-side errors (2000-2099)
	CodeBadRequest = 2001 // Request could not be built
	CodeBadReply   = 2002 // Reply could not be decoded
	CodeNoSession  = 2003 // Reply carried no session token

	// Network errors (5000-5999)
	CodeTransport = 5001 // Connection or handshake failure
	CodeStream    = 5002 // Streaming socket failure
)

// AppError is the single error type returned by the client packages
type AppError struct {
	Kind       Kind  // Error family
	HTTPStatus int   // HTTP status, 0 when no response was received
	Code       int   // Business error code (peer supplied or one of the above)
	Message    string
	Err        error // Underlying cause, if any
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: code=%d, message=%s, err=%v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: code=%d, message=%s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(kind Kind, httpStatus, code int, message string, err error) *AppError {
	return &AppError{
		Kind:       kind,
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// ErrAuthUnreachable creates an error for an authority that could not be reached
func ErrAuthUnreachable(message string, err error) *AppError {
	if message == "" {
		message = "authority unreachable"
	}
	return NewAppError(KindAuth, 0, CodeAuthUnreachable, message, err)
}

// ErrAuthRejected creates an error for an authority that refused to issue a bearer
func ErrAuthRejected(httpStatus int, message string) *AppError {
	if message == "" {
		message = "authority rejected request"
	}
	return NewAppError(KindAuth, httpStatus, CodeAuthRejected, message, nil)
}

// ErrTransport creates a connection/handshake error
func ErrTransport(message string, err error) *AppError {
	if message == "" {
		message = "transport failure"
	}
	return NewAppError(KindTransport, 0, CodeTransport, message, err)
}

// ErrAPI creates a control plane error
func ErrAPI(httpStatus, code int, message string) *AppError {
	if httpStatus == 0 {
		httpStatus = http.StatusOK
	}
	return NewAppError(KindAPI, httpStatus, code, message, nil)
}

// ErrBadReply creates an error for a control plane reply that could not be used
func ErrBadReply(code int, message string, err error) *AppError {
	return NewAppError(KindAPI, http.StatusOK, code, message, err)
}

// ErrStream creates a streaming socket error
func ErrStream(message string, err error) *AppError {
	if message == "" {
		message = "stream failure"
	}
	return NewAppError(KindStream, 0, CodeStream, message, err)
}

// IsKind reports whether err is an AppError of the given kind
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
