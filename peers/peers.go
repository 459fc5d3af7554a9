// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing connections.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/urpc"
	"github.com/creachadair/urpc/channel"
)

// Local is a pair of in-memory connected connections, suitable for testing.
type Local struct {
	A *urpc.Conn
	B *urpc.Conn

	tasks *taskgroup.Group
	errA  error
	errB  error
}

// NewLocal creates a pair of connections that communicate via a direct
// transport without encoding. The handlers are ha for A and hb for B; either
// may be nil. If opts != nil, both connections share its settings, except the
// codec, which is always urpc.Identity.
func NewLocal(ha, hb urpc.Handler, opts *urpc.Options) *Local {
	var o urpc.Options
	if opts != nil {
		o = *opts
	}
	o.Codec = urpc.Identity

	ta, tb := channel.Direct()
	loc := &Local{
		A:     urpc.New(ha, &o),
		B:     urpc.New(hb, &o),
		tasks: taskgroup.New(nil),
	}
	pa, pb := channel.Bind(loc.A, ta), channel.Bind(loc.B, tb)
	ctx := context.Background()
	loc.tasks.Go(func() error { loc.errA = pa.Run(ctx); return nil })
	loc.tasks.Go(func() error { loc.errB = pb.Run(ctx); return nil })
	return loc
}

// Stop closes both connections and blocks until both have exited, reporting
// the first transport error, if any.
func (p *Local) Stop() error {
	p.A.Close()
	p.B.Close()
	return p.Wait()
}

// Wait blocks until both connections have exited and their handlers have
// returned, reporting the first transport error, if any.
func (p *Local) Wait() error {
	p.tasks.Wait()
	p.A.Wait()
	p.B.Wait()
	return errors.Join(p.errA, p.errB)
}

// An Accepter produces transports for inbound connections.
type Accepter interface {
	Accept(context.Context) (channel.Transport, error)
}

// Loop accepts connections from acc and serves a new connection from newConn
// for each one in a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are closed. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, newConn func() *urpc.Conn) error {
	g := taskgroup.New(nil)
	for {
		t, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			c := newConn()
			err := channel.Serve(ctx, c, t)
			c.Wait()
			return err
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection exchanges newline-delimited frames.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (channel.Transport, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Lines(conn, conn), nil
}
