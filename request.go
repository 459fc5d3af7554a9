// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import (
	"fmt"
	"sync"
)

// Request is an inbound request or notification as seen by a Handler.
// A Request must not be modified by the handler.
type Request struct {
	ID      ID             // absent for a notification
	Method  string         // the method name, non-empty
	Params  []any          // positional parameters
	Named   map[string]any // named parameters, if params was a record
	Version string         // the version tag of the message
}

// IsNotification reports whether r has no ID, so that no reply is sent.
func (r *Request) IsNotification() bool { return r.ID.IsZero() }

func (r *Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%q)", r.ID, r.Method)
}

// An Outcome is the result of handling a request: either a result value or a
// protocol error, never both.
type Outcome struct {
	result any
	err    *Error
}

// Result returns an Outcome carrying a result value.
func Result(v any) Outcome { return Outcome{result: v} }

// Failure returns an Outcome carrying a protocol error. It panics if e == nil.
func Failure(e *Error) Outcome {
	if e == nil {
		panic("nil error outcome")
	}
	return Outcome{err: e}
}

// Value returns the result value of o, or nil if o is a failure.
func (o Outcome) Value() any { return o.result }

// Err returns the protocol error of o, or nil if o is a result.
func (o Outcome) Err() *Error { return o.err }

// Response is the reply under construction for an inbound request. It starts
// as a MethodNotFound failure for the requested method, so a handler that
// does nothing yields a deterministic reply. A Response is safe for
// concurrent use.
type Response struct {
	id ID

	μ       sync.Mutex
	outcome Outcome
}

func newResponse(req *Request) *Response {
	return &Response{id: req.ID, outcome: Failure(MethodNotFound(req.Method))}
}

// ID returns the id of the request being answered.
func (r *Response) ID() ID { return r.id }

// Set replaces the outcome of r.
func (r *Response) Set(o Outcome) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.outcome = o
}

// SetResult sets the outcome of r to the result v, clearing any error.
func (r *Response) SetResult(v any) { r.Set(Result(v)) }

// SetError sets the outcome of r to the protocol error e, clearing any result.
func (r *Response) SetError(e *Error) { r.Set(Failure(e)) }

// Outcome returns the current outcome of r.
func (r *Response) Outcome() Outcome {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.outcome
}

// Wire returns the wire form of r in its current state.
func (r *Response) Wire() map[string]any {
	o := r.Outcome()
	if o.err != nil {
		return formatError(r.id, o.err.Wire())
	}
	return formatResult(r.id, o.result)
}
