// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import "time"

// A Clock schedules the timeouts of outbound calls.
type Clock interface {
	// AfterFunc arranges to call f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// A Timer is a cancellable scheduled function, as returned by a Clock.
type Timer interface {
	// Stop prevents the timer from firing. It reports false if the timer had
	// already fired or been stopped.
	Stop() bool
}

// SystemClock is a Clock backed by the time package.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type callResult struct {
	value any
	err   error
}

// A pendingCall is an outbound call awaiting its reply. Whoever removes it
// from the table settles it; done is buffered so settling never blocks.
type pendingCall struct {
	id    ID
	done  chan callResult
	timer Timer // nil if the call has no timeout
}

func newPendingCall(id ID) *pendingCall {
	return &pendingCall{id: id, done: make(chan callResult, 1)}
}

func (p *pendingCall) settle(v any, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- callResult{value: v, err: err}
}

// pendingTable tracks outbound calls by id. The caller must hold the lock of
// the owning connection.
type pendingTable struct {
	calls map[ID]*pendingCall
}

func (t *pendingTable) register(pc *pendingCall) {
	if t.calls == nil {
		t.calls = make(map[ID]*pendingCall)
	}
	if _, ok := t.calls[pc.id]; ok {
		panic("duplicate pending call ID " + pc.id.String())
	}
	t.calls[pc.id] = pc
}

// pop removes and returns the call with the given id, if any.
func (t *pendingTable) pop(id ID) (*pendingCall, bool) {
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

// rejectAll settles every call with err, empties the table, and reports how
// many calls were rejected.
func (t *pendingTable) rejectAll(err error) int {
	n := len(t.calls)
	for id, pc := range t.calls {
		delete(t.calls, id)
		pc.settle(nil, err)
	}
	return n
}

func (t *pendingTable) len() int { return len(t.calls) }

