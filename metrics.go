// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	frameRecv      expvar.Int
	frameSent      expvar.Int
	requestIn      expvar.Int // number of inbound requests with an id
	requestInErr   expvar.Int // number of inbound requests whose handler failed
	requestActive  expvar.Int // inbound handlers currently running
	notifyIn       expvar.Int // number of inbound notifications
	refusedIn      expvar.Int // number of inbound requests refused while ending
	callOut        expvar.Int // number of outbound calls initiated
	callOutErr     expvar.Int // number of outbound calls reporting an error
	callPending    expvar.Int // outbound
	protocolErrors expvar.Int // protocol faults that ended a connection

	emap *expvar.Map
}

var rootMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	cm := &connMetrics{emap: new(expvar.Map)}
	cm.emap.Set("frames_received", &cm.frameRecv)
	cm.emap.Set("frames_sent", &cm.frameSent)
	cm.emap.Set("requests_in", &cm.requestIn)
	cm.emap.Set("requests_in_failed", &cm.requestInErr)
	cm.emap.Set("requests_active", &cm.requestActive)
	cm.emap.Set("notifications_in", &cm.notifyIn)
	cm.emap.Set("requests_refused", &cm.refusedIn)
	cm.emap.Set("calls_out", &cm.callOut)
	cm.emap.Set("calls_out_failed", &cm.callOutErr)
	cm.emap.Set("calls_pending", &cm.callPending)
	cm.emap.Set("protocol_errors", &cm.protocolErrors)
	return cm
}
