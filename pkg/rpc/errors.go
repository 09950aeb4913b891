package rpc

import (
	"errors"
	"fmt"
)

// Code identifies a backend error class. The set is closed: anything the
// backend returns outside of it is mapped to CodeUnknown before agent logic
// can observe it.
type Code string

const (
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeForbidden    Code = "FORBIDDEN"
	CodeConflict     Code = "CONFLICT"
	CodeUnknown      Code = "UNKNOWN"
)

// Error is a normalized backend RPC error
type Error struct {
	Code      Code
	Procedure string
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s: %s", e.Procedure, e.Code, e.Message)
}

// UserMessage returns the single user-safe sentence for this error. Raw
// backend messages are only passed through for bad requests, where the detail
// is the caller's own input echoed back.
func (e *Error) UserMessage() string {
	switch e.Code {
	case CodeUnauthorized:
		return "You don't have permission to perform this action."
	case CodeNotFound:
		return "The requested resource was not found."
	case CodeBadRequest:
		return fmt.Sprintf("Invalid request: %s", e.Message)
	case CodeForbidden:
		return "You don't have permission to access this resource."
	case CodeConflict:
		return "This change conflicts with the current state of the resource. Please refresh and try again."
	default:
		return "An error occurred while processing your request."
	}
}

// IsTransport reports whether the error is a transport-level failure rather
// than an application rejection. Transport failures on read-only calls may be
// retried once; application rejections never are.
func (e *Error) IsTransport() bool {
	return e.Code == CodeUnknown
}

// AsError extracts an *Error from an error chain
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func normalizeCode(code string) Code {
	switch Code(code) {
	case CodeUnauthorized, CodeNotFound, CodeBadRequest, CodeForbidden, CodeConflict:
		return Code(code)
	default:
		return CodeUnknown
	}
}
