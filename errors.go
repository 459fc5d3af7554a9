// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import (
	"errors"
	"fmt"
	"maps"
	"math"

	"github.com/gorilla/rpc/v2/json2"
)

// A Code is a canonical protocol error code. Codes share the numbering of
// JSON-RPC 2.0 and are never renumbered.
type Code int

const (
	CodeParseError     = Code(json2.E_PARSE)       // -32700
	CodeInvalidRequest = Code(json2.E_INVALID_REQ) // -32600
	CodeMethodNotFound = Code(json2.E_NO_METHOD)   // -32601
	CodeInvalidParams  = Code(json2.E_BAD_PARAMS)  // -32602
	CodeInternalError  = Code(json2.E_INTERNAL)    // -32603
)

var codeText = map[Code]string{
	CodeParseError:     "Parse Error",
	CodeInvalidRequest: "Invalid Request",
	CodeMethodNotFound: "Method Not Found",
	CodeInvalidParams:  "Invalid Params",
	CodeInternalError:  "Internal Error",
}

// Canonical reports whether c is one of the canonical protocol codes.
func (c Code) Canonical() bool { _, ok := codeText[c]; return ok }

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// RefusedCode is the error code a connection replies with when it receives a
// fresh request after it has begun to shut down. It is not part of the
// canonical table; a caller receiving it reports [ErrRefused].
const RefusedCode = "urpc/refused"

// Local errors. These never appear on the wire.
var (
	// ErrClosed is reported by operations on a connection that has closed.
	ErrClosed = errors.New("urpc: connection closed")

	// ErrTimeout is reported by a call whose timeout expired before a reply.
	ErrTimeout = errors.New("urpc: call timed out")

	// ErrRefused is reported by a call the remote peer refused because it was
	// shutting down.
	ErrRefused = errors.New("urpc: request refused")
)

// Sentinel protocol errors for use with [errors.Is]. An *Error matches a
// sentinel with the same code, regardless of message or data.
var (
	ErrParse          = &Error{Code: CodeParseError, Message: codeText[CodeParseError]}
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: codeText[CodeInvalidRequest]}
	ErrMethodNotFound = &Error{Code: CodeMethodNotFound, Message: codeText[CodeMethodNotFound]}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: codeText[CodeInvalidParams]}
	ErrInternal       = &Error{Code: CodeInternalError, Message: codeText[CodeInternalError]}
)

// Error is a protocol error, the value carried by the error field of an error
// response. The Message is what goes on the wire; a local cause, if any, is
// reported by Error and Unwrap but never serialized.
type Error struct {
	Code    Code
	Message string
	Data    map[string]any

	cause error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap reports the local cause of e, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a protocol error with the same code as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wire returns the wire form of e, {code, message, data}.
func (e *Error) Wire() map[string]any {
	data := e.Data
	if data == nil {
		data = make(map[string]any)
	}
	return map[string]any{
		"code":    int(e.Code),
		"message": e.Message,
		"data":    data,
	}
}

func newError(code Code, data map[string]any) *Error {
	if data == nil {
		data = make(map[string]any)
	}
	return &Error{Code: code, Message: codeText[code], Data: data}
}

// ParseError returns a protocol error for an undecodable frame.
func ParseError() *Error { return newError(CodeParseError, nil) }

// InvalidRequest returns a protocol error for a message that does not have the
// shape of a request or response. The offending message is echoed as data.
func InvalidRequest(msg any) *Error {
	return newError(CodeInvalidRequest, map[string]any{"message": msg})
}

// MethodNotFound returns a protocol error for an unknown method.
func MethodNotFound(method string) *Error {
	return newError(CodeMethodNotFound, map[string]any{"method": method})
}

// InvalidParams returns a protocol error for unacceptable parameters.
func InvalidParams(params any) *Error {
	return newError(CodeInvalidParams, map[string]any{"params": params})
}

// InternalError returns a generic internal protocol error with the given data.
func InternalError(data map[string]any) *Error {
	return newError(CodeInternalError, maps.Clone(data))
}

// NewInternalError returns an internal protocol error caused by err.  The
// cause is visible locally via Error and Unwrap; the wire form stays generic.
func NewInternalError(err error) *Error {
	e := newError(CodeInternalError, nil)
	e.cause = err
	return e
}

// ProtocolErrorFrom decodes the wire form of a protocol error. The message is
// derived from the code. If the code is not canonical, ProtocolErrorFrom
// reports an error of concrete type *UnknownErrorCodeError.
func ProtocolErrorFrom(wire map[string]any) (*Error, error) {
	raw := wire["code"]
	code, ok := canonicalCode(raw)
	if !ok {
		return nil, &UnknownErrorCodeError{Code: raw}
	}
	data, _ := wire["data"].(map[string]any)
	return newError(code, maps.Clone(data)), nil
}

// opaqueError decodes a wire error with a numeric but non-canonical code,
// keeping its message as given.
func opaqueError(wire map[string]any) (*Error, bool) {
	f, ok := toFloat(wire["code"])
	if !ok || f != math.Trunc(f) {
		return nil, false
	}
	msg, _ := wire["message"].(string)
	data, _ := wire["data"].(map[string]any)
	return &Error{Code: Code(f), Message: msg, Data: maps.Clone(data)}, true
}

func canonicalCode(v any) (Code, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	c := Code(f)
	return c, c.Canonical()
}

// UnknownErrorCodeError is reported when a remote error carries a code that is
// not in the canonical table.
type UnknownErrorCodeError struct {
	Code any // the code as received
}

func (e *UnknownErrorCodeError) Error() string {
	return fmt.Sprintf("unknown error code: %q", fmt.Sprint(e.Code))
}

// UnknownMessageIDError is reported when a response or error names an id that
// has no pending call.
type UnknownMessageIDError struct {
	ID ID
}

func (e *UnknownMessageIDError) Error() string {
	return fmt.Sprintf("unknown message ID: %v", e.ID)
}
