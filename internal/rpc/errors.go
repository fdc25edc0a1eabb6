package rpc

import (
	"errors"
	"fmt"
)

// Error codes. The negative codes come from JSON-RPC 2.0 and EIP-1474;
// the 4xxx codes are EIP-1193 provider errors.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeResourceNotFound = -32001
	CodeLimitExceeded    = -32005
	CodeUserRejected     = 4001
	CodeUnauthorized     = 4100
)

// Error is a JSON-RPC error object. It crosses process boundaries as-is,
// so Message must be safe to show to the calling origin.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code. A target with
// an empty Message matches any message, so the Err* values below work as
// sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Code-only sentinels for errors.Is.
var (
	ErrParse            = &Error{Code: CodeParseError}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest}
	ErrMethodNotFound   = &Error{Code: CodeMethodNotFound}
	ErrInvalidParams    = &Error{Code: CodeInvalidParams}
	ErrInternal         = &Error{Code: CodeInternal}
	ErrResourceNotFound = &Error{Code: CodeResourceNotFound}
	ErrLimitExceeded    = &Error{Code: CodeLimitExceeded}
	ErrUserRejected     = &Error{Code: CodeUserRejected}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized}
)

func newError(code int, fallback, format string, args []any) *Error {
	msg := fallback
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Message: msg}
}

// ParseError reports malformed JSON.
func ParseError(format string, args ...any) *Error {
	return newError(CodeParseError, "Invalid JSON was received.", format, args)
}

// InvalidRequest reports a structurally invalid request object.
func InvalidRequest(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, "The request is not a valid request object.", format, args)
}

// MethodNotFound reports an unknown method or capability target.
func MethodNotFound(method string) *Error {
	return &Error{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("The method %q does not exist / is not available.", method),
		Data:    map[string]string{"method": method},
	}
}

// InvalidParams reports malformed parameters, caveats or permissions.
func InvalidParams(format string, args ...any) *Error {
	return newError(CodeInvalidParams, "Invalid method parameter(s).", format, args)
}

// Internal reports an unexpected host-side failure.
func Internal(format string, args ...any) *Error {
	return newError(CodeInternal, "Internal JSON-RPC error.", format, args)
}

// ResourceNotFound reports an unknown job, snap or handler.
func ResourceNotFound(format string, args ...any) *Error {
	return newError(CodeResourceNotFound, "Resource not found.", format, args)
}

// LimitExceeded reports a rate or size limit violation.
func LimitExceeded(format string, args ...any) *Error {
	return newError(CodeLimitExceeded, "Request exceeds defined limit.", format, args)
}

// UserRejected reports that the user declined the request.
func UserRejected(format string, args ...any) *Error {
	return newError(CodeUserRejected, "User rejected the request.", format, args)
}

// Unauthorized reports a validly shaped call outside the granted scope.
func Unauthorized(format string, args ...any) *Error {
	return newError(CodeUnauthorized, "The requested account and/or method has not been authorized by the user.", format, args)
}

// FromError converts err into an *Error suitable for the wire. Errors
// that already wrap an *Error are unwrapped; anything else becomes an
// Internal error carrying err's message.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return Internal("%s", err.Error())
}
