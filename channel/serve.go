// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/urpc"
)

// Serve binds c to t and pumps frames in both directions until c closes, t
// fails, or ctx ends. It is shorthand for Bind(c, t).Run(ctx).
func Serve(ctx context.Context, c *urpc.Conn, t Transport) error {
	return Bind(c, t).Run(ctx)
}

// A Pump moves frames between a connection and a transport.
type Pump struct {
	c  *urpc.Conn
	t  Transport
	ob *outbox
}

// Bind returns a Pump for c and t. It replaces the Message callback of c, so
// frames c emits after Bind returns are queued for t even before Run starts.
func Bind(c *urpc.Conn, t Transport) *Pump {
	ob := &outbox{ready: make(chan struct{}, 1)}
	c.OnMessage(ob.put)
	return &Pump{c: c, t: t, ob: ob}
}

// Run pumps frames until c closes, t fails, or ctx ends.
//
// When the inbound stream ends, Run ends c; if c has outbound calls pending
// at that point, it is closed, since no reply can arrive. When c closes, any
// frames it has already emitted are sent and t is closed. Run returns nil if
// the transport ended normally, or otherwise the error that stopped it.
func (p *Pump) Run(ctx context.Context) error {
	c, t, ob := p.c, p.t, p.ob
	g := taskgroup.New(nil)
	var rerr, serr error

	// Receiver: deliver inbound frames to the connection.
	g.Go(func() error {
		for {
			frame, err := t.Recv(ctx)
			if err != nil {
				if isEndOfStream(err) {
					c.End()
					if c.Stats().Pending != 0 {
						c.Close()
					}
				} else {
					rerr = err
					c.Close()
				}
				return nil
			}
			if err := c.Write(frame); err != nil {
				return nil // the connection has closed
			}
		}
	})

	// Sender: deliver outbound frames to the transport.
	g.Go(func() error {
		defer t.Close()
		done := ctx.Done()
		for {
			select {
			case <-ob.ready:
				if err := ob.flush(ctx, t); err != nil {
					if !isEndOfStream(err) {
						serr = err
					}
					c.Close()
					return nil
				}
			case <-c.Done():
				if err := ob.flush(ctx, t); err != nil && !isEndOfStream(err) {
					serr = err
				}
				return nil
			case <-done:
				done = nil
				c.Close()
			}
		}
	})

	g.Wait()
	if rerr != nil {
		return rerr
	}
	return serr
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// An outbox is an unbounded queue of outbound frames. Adding a frame never
// blocks, so a connection can emit frames while its receiver is busy.
type outbox struct {
	μ      sync.Mutex
	frames []any
	ready  chan struct{} // signalled when frames are added
}

func (o *outbox) put(frame any) {
	o.μ.Lock()
	o.frames = append(o.frames, frame)
	o.μ.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) flush(ctx context.Context, t Transport) error {
	for {
		o.μ.Lock()
		fs := o.frames
		o.frames = nil
		o.μ.Unlock()
		if len(fs) == 0 {
			return nil
		}
		for _, f := range fs {
			if err := t.Send(ctx, f); err != nil {
				return err
			}
		}
	}
}
