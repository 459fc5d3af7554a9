// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the urpc.Handler type for functions
// with other signatures, a method multiplexer, and handler middleware.
//
// Parameters are converted to the adapter's parameter type P by way of JSON.
// Named parameters decode into P as an object.  Positional parameters decode
// into P as an array if P is a slice or array type; otherwise there must be at
// most one parameter, which decodes into P. A conversion failure is reported
// to the caller as an InvalidParams error.
//
// Results are set on the response as-is. An error of concrete type
// *urpc.Error returned by the function is reported to the caller unchanged;
// any other error is reported as an InternalError whose data carries the
// error text. In neither case is the connection affected.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/creachadair/urpc"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request.  The context passed to a function
// wrapped by this package will have this value.
func ContextRequest(ctx context.Context) *urpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*urpc.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a urpc.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) urpc.Handler {
	return func(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
		var p P
		if err := decodeParams(req, &p); err != nil {
			res.SetError(invalidParams(req))
			return nil
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			res.SetError(toProtocol(err))
			return nil
		}
		res.SetResult(r)
		return nil
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a urpc.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) urpc.Handler {
	return ParamResultError(func(ctx context.Context, p P) (R, error) {
		return f(ctx, p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a urpc.Handler. On success the result is null.
func ParamError[P any](f func(context.Context, P) error) urpc.Handler {
	return ParamResultError(func(ctx context.Context, p P) (any, error) {
		return nil, f(ctx, p)
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a urpc.Handler. Any parameters in the
// request are ignored.
func ResultError[R any](f func(context.Context) (R, error)) urpc.Handler {
	return func(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			res.SetError(toProtocol(err))
			return nil
		}
		res.SetResult(r)
		return nil
	}
}

// decodeParams converts the parameters of req into v, which must be a
// non-nil pointer.
func decodeParams(req *urpc.Request, v any) error {
	var src any
	switch {
	case req.Named != nil:
		src = req.Named
	case wantsList(v):
		src = req.Params
	case len(req.Params) == 0:
		return nil
	case len(req.Params) == 1:
		src = req.Params[0]
	default:
		return fmt.Errorf("got %d parameters, want at most 1", len(req.Params))
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func wantsList(v any) bool {
	switch reflect.TypeOf(v).Elem().Kind() {
	case reflect.Slice, reflect.Array:
		return true
	}
	return false
}

func invalidParams(req *urpc.Request) *urpc.Error {
	if req.Named != nil {
		return urpc.InvalidParams(req.Named)
	}
	return urpc.InvalidParams(req.Params)
}

func toProtocol(err error) *urpc.Error {
	var perr *urpc.Error
	if errors.As(err, &perr) {
		return perr
	}
	return urpc.InternalError(map[string]any{"message": err.Error()})
}
