// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides transports for urpc connections, and the pump
// that binds a connection to a transport.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// A Transport is a reliable ordered stream of frames shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Transport interface {
	// Send the frame to the receiver.
	Send(ctx context.Context, frame any) error

	// Receive the next available frame from the transport.
	Recv(ctx context.Context) (any, error)

	// Close the transport, causing any pending send or receive operations to
	// terminate and report an error. After a transport is closed, all further
	// operations on it must report an error.
	Close() error
}

// Direct constructs a connected pair of in-memory transports that pass frames
// directly without encoding. Frames sent to A are received by B and vice
// versa.
func Direct() (A, B Transport) {
	a2b := make(chan any)
	b2a := make(chan any)
	adone, bdone := make(chan struct{}), make(chan struct{})
	A = &direct{out: a2b, in: b2a, done: adone, peer: bdone}
	B = &direct{out: b2a, in: a2b, done: bdone, peer: adone}
	return
}

type direct struct {
	out  chan<- any
	in   <-chan any
	once sync.Once
	done chan struct{} // closed when this end is closed
	peer chan struct{} // closed when the other end is closed
}

// Send implements a method of the [Transport] interface.
func (d *direct) Send(ctx context.Context, frame any) (err error) {
	defer safeClose(&err)
	select {
	case <-d.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- frame:
		return nil
	case <-d.done:
		return net.ErrClosed
	case <-d.peer:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements a method of the [Transport] interface.
func (d *direct) Recv(ctx context.Context) (any, error) {
	select {
	case frame, ok := <-d.in:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-d.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements a method of the [Transport] interface.
func (d *direct) Close() (err error) {
	err = net.ErrClosed
	d.once.Do(func() {
		close(d.done)
		close(d.out)
		err = nil
	})
	return err
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// Lines constructs a transport that receives newline-delimited frames from r
// and sends them to wc. Sent frames must be []byte or string, and must not
// contain newlines, as produced by the urpc.JSON codec.
func Lines(r io.Reader, wc io.WriteCloser) *LineTransport {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &LineTransport{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// A LineTransport sends and receives newline-delimited frames on a reader and
// a writer. Received frames have type []byte.
type LineTransport struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [Transport] interface.
func (t *LineTransport) Send(_ context.Context, frame any) error {
	var data []byte
	switch f := frame.(type) {
	case []byte:
		data = f
	case string:
		data = []byte(f)
	default:
		return fmt.Errorf("unsupported frame type %T", frame)
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("frame contains a newline")
	}
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Recv implements a method of the [Transport] interface. Blank lines are
// skipped. A final line without a newline is returned as a frame.
func (t *LineTransport) Recv(_ context.Context) (any, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) != 0 {
			return line, nil
		} else if err != nil {
			return nil, err
		}
	}
}

// Close implements a method of the [Transport] interface.
func (t *LineTransport) Close() error { return t.c.Close() }
