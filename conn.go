// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// A Handler processes an inbound request by setting the outcome of res.  A
// handler can obtain the connection from its context argument using the
// ContextConn helper, and a logger using zerolog.Ctx.
//
// Application failures are reported by setting an error on res. If the
// handler returns a non-nil error or panics, the fault is fatal: the caller
// receives a generic internal error and the connection closes.
type Handler func(ctx context.Context, req *Request, res *Response) error

// Events is the set of callbacks a connection invokes as its state changes.
// Any of them may be nil. Callbacks are invoked without locks held, so they
// may call methods of the connection.
type Events struct {
	// Message is called with each encoded outbound frame. The transport must
	// deliver the frame to the remote peer. It may be called concurrently.
	Message func(frame any)

	// Request is called when the handler for an inbound request has finished.
	// The callback in effect when the request arrived is used, even if the
	// connection has since closed.
	Request func(req *Request, res *Response)

	// Error is called for each protocol or handler fault.
	Error func(err error)

	// End is called when the connection begins to shut down.
	End func()

	// Finish and Close are called when the connection closes, in that order.
	Finish func()
	Close  func(CloseStats)
}

// CloseStats summarize the work discarded when a connection closed.
type CloseStats struct {
	RejectedCalls    int // outbound calls rejected with ErrClosed
	RejectedRequests int // inbound requests whose replies were never sent
}

// Stats is a snapshot of the outstanding work of a connection.
type Stats struct {
	Inflight int // inbound requests awaiting a reply
	Pending  int // outbound calls awaiting a reply
}

// Options control the behaviour of a connection. A nil *Options provides
// default values.
type Options struct {
	// Codec converts messages to and from frames. If nil, JSON is used.
	Codec Codec

	// Logger receives diagnostic logs. If nil, logs are discarded.
	Logger *zerolog.Logger

	// Clock schedules call timeouts. If nil, SystemClock is used.
	Clock Clock

	// If set, a remote error with a numeric code outside the canonical table
	// is delivered to the caller as an *Error, and the connection stays open.
	// By default such an error is a protocol fault that ends the connection.
	LenientErrorCodes bool

	// If set, the connection keeps its own metrics rather than sharing the
	// package-wide map.
	DetachMetrics bool

	// NewContext returns the base context for handlers. If nil, a background
	// context is used.
	NewContext func() context.Context

	// Events are the initial event callbacks.
	Events Events
}

func (o *Options) codec() Codec {
	if o == nil || o.Codec == nil {
		return JSON
	}
	return o.Codec
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *Options) clock() Clock {
	if o == nil || o.Clock == nil {
		return SystemClock
	}
	return o.Clock
}

func (o *Options) baseContext() context.Context {
	if o == nil || o.NewContext == nil {
		return context.Background()
	}
	return o.NewContext()
}

func (o *Options) metrics() *connMetrics {
	if o != nil && o.DetachMetrics {
		return newConnMetrics()
	}
	return rootMetrics
}

type state byte

const (
	stateOpen state = iota
	stateEnding
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateEnding:
		return "ending"
	}
	return "closed"
}

// A Conn is one end of a bidirectional connection. It services inbound
// requests with its Handler and issues calls and notifications to the remote
// peer. A Conn does no I/O: the transport feeds it inbound frames with Write
// and sends the frames it reports through the Message event.
//
// A Conn begins open. End begins an orderly shutdown, in which new inbound
// requests are refused and the connection closes once outstanding work has
// drained. Close terminates at once. A closed Conn cannot be reused.
type Conn struct {
	id      string
	log     zerolog.Logger
	clock   Clock
	lenient bool
	metrics *connMetrics
	tasks   *taskgroup.Group
	ctx     context.Context    // base context for handlers
	cancel  context.CancelFunc // cancels ctx, at close
	closed  chan struct{}

	μ        sync.Mutex
	state    state
	inflight int          // inbound requests awaiting a reply
	calls    pendingTable // outbound calls awaiting a reply
	nextID   int64        // last outbound call ID assigned
	codec    Codec
	handler  Handler
	events   Events
}

// New constructs a new open connection that dispatches inbound requests to h.
// If h == nil, every request is answered with a MethodNotFound error.
func New(h Handler, opts *Options) *Conn {
	ctx, cancel := context.WithCancel(opts.baseContext())
	id := xid.New().String()
	c := &Conn{
		id:      id,
		log:     opts.logger().With().Str("conn_id", id).Logger(),
		clock:   opts.clock(),
		lenient: opts != nil && opts.LenientErrorCodes,
		metrics: opts.metrics(),
		tasks:   taskgroup.New(nil),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		codec:   opts.codec(),
		handler: h,
	}
	if opts != nil {
		c.events = opts.Events
	}
	return c
}

// ID returns a unique identifier for c, used to label its logs.
func (c *Conn) ID() string { return c.id }

// Metrics returns a metrics map for the connection. It is safe for the caller
// to add additional metrics to the map while the connection is active.
func (c *Conn) Metrics() *expvar.Map { return c.metrics.emap }

// IsClosed reports whether c is ending or closed.
func (c *Conn) IsClosed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state != stateOpen
}

// IsEnding reports whether c is shutting down but not yet closed.
func (c *Conn) IsEnding() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state == stateEnding
}

// IsEnded reports whether c is closed.
func (c *Conn) IsEnded() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state == stateClosed
}

// Stats reports the outstanding work of c.
func (c *Conn) Stats() Stats {
	c.μ.Lock()
	defer c.μ.Unlock()
	return Stats{Inflight: c.inflight, Pending: c.calls.len()}
}

// Done returns a channel that is closed when c closes.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Wait blocks until c has closed and all its handlers have returned. It must
// not be called from a handler.
func (c *Conn) Wait() {
	<-c.closed
	c.tasks.Wait()
}

// SetHandler replaces the handler for inbound requests. Requests already
// dispatched are not affected.
func (c *Conn) SetHandler(h Handler) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.handler = h
	return c
}

// SetCodec replaces the codec. Frames already encoded are not affected.  If
// cd == nil, Identity is used.
func (c *Conn) SetCodec(cd Codec) *Conn {
	if cd == nil {
		cd = Identity
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.codec = cd
	return c
}

// OnMessage sets the Message callback. Event setters have no effect once c
// has closed, and return c to permit chaining.
func (c *Conn) OnMessage(f func(frame any)) *Conn {
	return c.setEvent(func(e *Events) { e.Message = f })
}

// OnRequest sets the Request callback.
func (c *Conn) OnRequest(f func(*Request, *Response)) *Conn {
	return c.setEvent(func(e *Events) { e.Request = f })
}

// OnError sets the Error callback.
func (c *Conn) OnError(f func(error)) *Conn {
	return c.setEvent(func(e *Events) { e.Error = f })
}

// OnEnd sets the End callback.
func (c *Conn) OnEnd(f func()) *Conn {
	return c.setEvent(func(e *Events) { e.End = f })
}

// OnFinish sets the Finish callback.
func (c *Conn) OnFinish(f func()) *Conn {
	return c.setEvent(func(e *Events) { e.Finish = f })
}

// OnClose sets the Close callback.
func (c *Conn) OnClose(f func(CloseStats)) *Conn {
	return c.setEvent(func(e *Events) { e.Close = f })
}

func (c *Conn) setEvent(set func(*Events)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != stateClosed {
		set(&c.events)
	}
	return c
}

// Write delivers an inbound frame from the transport. A nil frame marks the
// end of the inbound stream and begins shutdown as End does.
//
// Faults in the frame are reported through the Error event and are not
// returned. Write reports ErrClosed if c has closed.
func (c *Conn) Write(frame any) error {
	if frame == nil {
		c.End()
		return nil
	}
	c.μ.Lock()
	if c.state == stateClosed {
		c.μ.Unlock()
		return ErrClosed
	}
	codec := c.codec
	c.μ.Unlock()
	c.metrics.frameRecv.Add(1)

	v, err := codec.Decode(frame)
	if err != nil {
		e := ParseError()
		e.cause = err
		c.protocolFault(ID{}, e)
		return nil
	}
	msg := Classify(v)
	switch msg.Kind {
	case KindRequest:
		c.handleRequest(msg)
	case KindResponse:
		c.handleResponse(msg)
	case KindError:
		c.handleError(msg)
	default:
		c.protocolFault(msg.ID, InvalidRequest(v))
	}
	return nil
}

// End begins an orderly shutdown of c. Inbound requests received after End
// are refused; c closes once every outstanding inbound request has been
// answered and every outbound call has settled. End has no effect if c is
// already ending or closed.
func (c *Conn) End() {
	c.μ.Lock()
	if c.state != stateOpen {
		c.μ.Unlock()
		return
	}
	c.state = stateEnding
	onEnd := c.events.End
	c.μ.Unlock()

	c.log.Debug().Msg("connection ending")
	if onEnd != nil {
		onEnd()
	}
	c.closeIfDone()
}

// Close closes c immediately. Pending outbound calls fail with ErrClosed, the
// contexts of running handlers are cancelled, and their replies are
// discarded. Close has no effect if c is already closed.
func (c *Conn) Close() {
	c.μ.Lock()
	if c.state == stateClosed {
		c.μ.Unlock()
		return
	}
	c.state = stateClosed
	stats := CloseStats{
		RejectedCalls:    c.calls.rejectAll(ErrClosed),
		RejectedRequests: c.inflight,
	}
	c.inflight = 0
	ev := c.events
	c.events = Events{}
	close(c.closed)
	c.μ.Unlock()

	c.cancel()
	c.log.Debug().
		Int("rejected_calls", stats.RejectedCalls).
		Int("rejected_requests", stats.RejectedRequests).
		Msg("connection closed")
	if ev.Finish != nil {
		ev.Finish()
	}
	if ev.Close != nil {
		ev.Close(stats)
	}
}

// CallOption is an optional setting for a call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout sets a timeout for a call. If no reply arrives within d, the
// call fails with ErrTimeout. A zero or negative d means no timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call invokes method on the remote peer with the given parameters, and blocks
// until the reply arrives, the call times out, c closes, or ctx ends.
//
// If the peer replies with a protocol error, Call reports it as an *Error.
// Call reports ErrClosed if c is ending or closed, ErrTimeout if the timeout
// expires, and ErrRefused if the peer refused the request while shutting
// down. If ctx ends first Call reports ctx.Err(); the call remains pending
// until its reply or timeout arrives, or c closes.
func (c *Conn) Call(ctx context.Context, method string, params []any, opts ...CallOption) (_ any, err error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	c.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			c.metrics.callOutErr.Add(1)
		}
	}()

	c.μ.Lock()
	if c.state != stateOpen {
		c.μ.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := NumberID(float64(c.nextID))
	pc := newPendingCall(id)
	c.calls.register(pc)
	if co.timeout > 0 {
		pc.timer = c.clock.AfterFunc(co.timeout, func() { c.expire(id) })
	}
	c.μ.Unlock()

	if err := c.push(formatRequest(id, method, params)); err != nil {
		c.μ.Lock()
		p, ok := c.calls.pop(id)
		c.μ.Unlock()
		if ok && p.timer != nil {
			p.timer.Stop()
		}
		c.closeIfDone()
		return nil, err
	}

	c.metrics.callPending.Add(1)
	defer c.metrics.callPending.Add(-1)
	select {
	case r := <-pc.done:
		return r.value, r.err
	case <-ctx.Done():
		c.log.Debug().Str("id", id.String()).Msg("call abandoned")
		return nil, ctx.Err()
	}
}

// Publish sends a notification for method to the remote peer. No reply is
// expected. Publish is permitted while c is ending, and reports ErrClosed once
// c has closed.
func (c *Conn) Publish(method string, params []any) error {
	c.μ.Lock()
	closed := c.state == stateClosed
	c.μ.Unlock()
	if closed {
		return ErrClosed
	}
	return c.push(formatRequest(ID{}, method, params))
}

// expire rejects the call with the given id if it is still pending.
func (c *Conn) expire(id ID) {
	c.μ.Lock()
	pc, ok := c.calls.pop(id)
	c.μ.Unlock()
	if !ok {
		return // the reply won
	}
	c.log.Debug().Str("id", id.String()).Msg("call timed out")
	pc.settle(nil, ErrTimeout)
	c.closeIfDone()
}

func (c *Conn) handleRequest(msg *Message) {
	req := &Request{
		ID:      msg.ID,
		Method:  msg.Method,
		Params:  msg.Params,
		Named:   msg.Named,
		Version: Version,
	}
	if req.IsNotification() {
		c.metrics.notifyIn.Add(1)
	} else {
		c.metrics.requestIn.Add(1)
	}

	c.μ.Lock()
	switch c.state {
	case stateClosed:
		c.μ.Unlock()
		return
	case stateEnding:
		c.μ.Unlock()
		if !req.IsNotification() {
			c.metrics.refusedIn.Add(1)
			c.log.Debug().Str("id", req.ID.String()).Str("method", req.Method).Msg("request refused")
			c.push(formatError(req.ID, refusal()))
		}
		return
	}
	h, onRequest := c.handler, c.events.Request
	if !req.IsNotification() {
		c.inflight++
	}
	res := newResponse(req)
	hctx := context.WithValue(c.log.WithContext(c.ctx), connContextKey{}, c)

	// Start the handler while holding the lock, so that Wait cannot observe
	// the task group empty before the task is added.
	c.tasks.Go(func() error {
		c.metrics.requestActive.Add(1)
		defer c.metrics.requestActive.Add(-1)

		err := runHandler(hctx, h, req, res)

		// The callback was captured at dispatch, since c may have closed and
		// dropped its events while the handler ran.
		if onRequest != nil {
			onRequest(req, res)
		}
		if err != nil {
			c.handlerFault(req, err)
		} else if !req.IsNotification() {
			c.reply(req, res)
		}
		return nil
	})
	c.μ.Unlock()
}

func runHandler(ctx context.Context, h Handler, req *Request, res *Response) (err error) {
	if h == nil {
		return nil
	}
	// Ensure a panic out of the handler is turned into a fault.
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, req, res)
}

// reply sends the response for a completed request and releases its slot.
func (c *Conn) reply(req *Request, res *Response) {
	if err := c.push(res.Wire()); err != nil {
		c.log.Error().Err(err).Str("method", req.Method).Msg("encoding reply")
		c.push(formatError(req.ID, NewInternalError(err).Wire()))
		c.emitError(err)
	}
	c.release()
	c.closeIfDone()
}

// handlerFault handles a handler that failed instead of setting an error on
// its response. The fault is reported locally and closes the connection.
func (c *Conn) handlerFault(req *Request, err error) {
	c.metrics.requestInErr.Add(1)
	c.log.Error().Err(err).Str("method", req.Method).Str("id", req.ID.String()).Msg("handler failed")
	if !req.IsNotification() {
		c.push(formatError(req.ID, InternalError(nil).Wire()))
		c.release()
	}
	e := NewInternalError(fmt.Errorf("method %q: %w", req.Method, err))
	c.emitError(e)
	c.Close()
}

func (c *Conn) release() {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != stateClosed {
		c.inflight--
	}
}

func (c *Conn) handleResponse(msg *Message) {
	c.μ.Lock()
	pc, ok := c.calls.pop(msg.ID)
	c.μ.Unlock()
	if !ok {
		c.unknownID(msg.ID)
		return
	}
	pc.settle(msg.Result, nil)
	c.closeIfDone()
}

func (c *Conn) handleError(msg *Message) {
	c.μ.Lock()
	pc, ok := c.calls.pop(msg.ID)
	c.μ.Unlock()
	if !ok {
		c.unknownID(msg.ID)
		return
	}

	if msg.Error["code"] == RefusedCode {
		pc.settle(nil, ErrRefused)
		c.closeIfDone()
		return
	}
	perr, err := ProtocolErrorFrom(msg.Error)
	if err != nil {
		if oe, ok := opaqueError(msg.Error); ok && c.lenient {
			pc.settle(nil, oe)
			c.closeIfDone()
			return
		}
		c.metrics.protocolErrors.Add(1)
		c.log.Warn().Err(err).Str("id", msg.ID.String()).Msg("protocol error")
		pc.settle(nil, err)
		c.emitError(err)
		c.End()
		return
	}
	pc.settle(nil, perr)
	c.closeIfDone()
}

func (c *Conn) unknownID(id ID) {
	err := &UnknownMessageIDError{ID: id}
	c.metrics.protocolErrors.Add(1)
	c.log.Warn().Err(err).Msg("protocol error")
	c.emitError(err)
	c.End()
}

// protocolFault replies to a malformed message with e, reports it, and ends
// the connection.
func (c *Conn) protocolFault(id ID, e *Error) {
	c.metrics.protocolErrors.Add(1)
	c.log.Warn().Err(e).Str("id", id.String()).Msg("protocol error")
	c.push(formatError(id, e.Wire()))
	c.emitError(e)
	c.End()
}

// closeIfDone closes c if it is ending and has no outstanding work.
func (c *Conn) closeIfDone() {
	c.μ.Lock()
	done := c.state == stateEnding && c.inflight == 0 && c.calls.len() == 0
	c.μ.Unlock()
	if done {
		c.Close()
	}
}

// push encodes msg and delivers it to the Message callback. Messages pushed
// after c has closed are discarded.
func (c *Conn) push(msg map[string]any) error {
	c.μ.Lock()
	if c.state == stateClosed {
		c.μ.Unlock()
		return nil
	}
	codec, send := c.codec, c.events.Message
	c.μ.Unlock()

	frame, err := codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.metrics.frameSent.Add(1)
	if send != nil {
		send(frame)
	}
	return nil
}

func (c *Conn) emitError(err error) {
	c.μ.Lock()
	f := c.events.Error
	c.μ.Unlock()
	if f != nil {
		f(err)
	}
}

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined.  The context passed to a Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}
