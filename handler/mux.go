// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler

import (
	"context"
	"sync"

	"github.com/creachadair/urpc"
)

// A Mux dispatches requests to handlers by method name. A zero Mux is ready
// for use. Its Serve method is a urpc.Handler.
type Mux struct {
	μ sync.RWMutex
	m map[string]urpc.Handler
}

// NewMux returns a new empty Mux.
func NewMux() *Mux { return new(Mux) }

// Handle registers h for the given method. Passing a nil handler removes any
// handler for the method. Handle returns m to permit chaining.
//
// As a special case, if method == "" the handler is called for any request
// whose method does not have a more specific handler registered.
func (m *Mux) Handle(method string, h urpc.Handler) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.m == nil {
		m.m = make(map[string]urpc.Handler)
	}
	if h == nil {
		delete(m.m, method)
	} else {
		m.m[method] = h
	}
	return m
}

// Methods returns the number of registered methods.
func (m *Mux) Methods() int {
	m.μ.RLock()
	defer m.μ.RUnlock()
	return len(m.m)
}

// Serve dispatches req to its registered handler. If there is none, res keeps
// its initial MethodNotFound outcome.
func (m *Mux) Serve(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
	m.μ.RLock()
	h, ok := m.m[req.Method]
	if !ok {
		h, ok = m.m[""]
	}
	m.μ.RUnlock()
	if !ok {
		return nil
	}
	return h(ctx, req, res)
}
