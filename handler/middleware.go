// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler

import (
	"context"
	"time"

	"github.com/creachadair/urpc"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// A Middleware wraps a handler with additional behaviour.
type Middleware func(urpc.Handler) urpc.Handler

// Chain wraps h with the given middleware. The first middleware listed is the
// outermost.
func Chain(h urpc.Handler, mw ...Middleware) urpc.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Logging returns middleware that logs each request on completion, with its
// method, id, duration, and outcome.
func Logging(log zerolog.Logger) Middleware {
	return func(next urpc.Handler) urpc.Handler {
		return func(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
			start := time.Now()
			err := next(ctx, req, res)

			ev := log.Debug()
			if err != nil {
				ev = log.Error().Err(err)
			} else if perr := res.Outcome().Err(); perr != nil {
				ev = log.Info().Int("code", int(perr.Code)).Str("error", perr.Message)
			}
			ev.Str("method", req.Method).
				Str("id", req.ID.String()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

// RateLimit returns middleware that admits requests at up to limit per second
// with the given burst. A request over the limit is not passed on; its caller
// receives an InternalError whose data has reason "rate limited".
func RateLimit(limit float64, burst int) Middleware {
	lim := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next urpc.Handler) urpc.Handler {
		return func(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
			if !lim.Allow() {
				res.SetError(urpc.InternalError(map[string]any{"reason": "rate limited"}))
				return nil
			}
			return next(ctx, req, res)
		}
	}
}
