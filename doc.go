// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package urpc implements a lightweight bidirectional remote procedure call
// protocol in the style of JSON-RPC.
//
// Two peers exchange messages over a shared reliable channel. Either peer may
// call methods of the other, and calls may be in flight in both directions at
// once. Messages are records carrying the version tag "jsonrpc": "1.0", and
// are requests (with a method and parameters), notifications (requests
// without an id), successful responses, or error responses.
//
// # Connections
//
// The core type defined by this package is the [Conn]. A Conn does not own a
// transport: frames received from the remote peer are delivered with
// [Conn.Write], and frames to send are emitted to the Message callback. The
// channel package provides transports and a pump that binds them to a Conn:
//
//	c := urpc.New(handler, nil)
//	err := channel.Serve(ctx, c, channel.Lines(conn, conn))
//
// A Conn moves through three states. It is open when created. [Conn.End]
// stops it from accepting new work: requests that arrive afterward are
// refused, but replies to work already in progress are still delivered. Once
// no inbound requests or outbound calls remain, the Conn closes. [Conn.Close]
// closes it at once, rejecting pending calls with [ErrClosed]. Use
// [Conn.Wait] to wait for running handlers to return.
//
// # Calls
//
// To handle inbound requests, give New a [Handler]. The handler sets the
// outcome on the response; a request whose handler sets nothing is answered
// with a MethodNotFound error:
//
//	func echo(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
//	   res.SetResult(req.Params)
//	   return nil
//	}
//
// A handler that returns an error or panics is faulty. The caller receives a
// generic internal error and the connection closes. Report ordinary failures
// with [Response.SetError] instead.
//
// To issue a call to the remote peer, use [Conn.Call]:
//
//	v, err := c.Call(ctx, "do-a-thing", []any{"some", "params"}, urpc.WithTimeout(5*time.Second))
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors reported by the remote peer have concrete type [*Error], and can be
// matched by kind with errors.Is, for example errors.Is(err, urpc.ErrInvalidParams).
// To send a notification, which has no reply, use [Conn.Publish].
//
// # Callbacks
//
// A handler may call back to methods of the remote peer. To do so, it uses
// [ContextConn] to obtain the local connection:
//
//	func handle(ctx context.Context, req *urpc.Request, res *urpc.Response) error {
//	    v, err := urpc.ContextConn(ctx).Call(ctx, "hello", []any{"world"})
//	    if err != nil {
//	       res.SetError(urpc.InternalError(map[string]any{"reason": err.Error()}))
//	       return nil
//	    }
//	    res.SetResult(v)
//	    return nil
//	}
//
// # Protocol Errors
//
// A message that cannot be decoded, or that is not a well-formed request or
// response, is answered with a ParseError or InvalidRequest reply, reported to
// the Error callback, and ends the connection. So does a response whose id
// does not match a pending call, and an error response with an unrecognized
// code (unless Options.LenientErrorCodes is set).
//
// # Metrics
//
// Connections maintain a collection of metrics while running. Use the
// [Conn.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the connection. By default, metrics are shared globally among
// all connections; set Options.DetachMetrics to give a connection its own.
//
// The metrics currently exported include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - requests_in: counter of inbound requests received
//   - requests_in_failed: counter of inbound requests whose handler faulted
//   - requests_active: gauge of inbound handlers currently running
//   - notifications_in: counter of inbound notifications received
//   - requests_refused: counter of inbound requests refused while ending
//   - calls_out: counter of outbound calls sent
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls currently pending
//   - protocol_errors: counter of protocol faults
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package urpc
