// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "time"

// Continuation is the client-side callback invoked when a response
// completes (spec §4.2, GLOSSARY). It always runs on the owning Endpoint's
// polling goroutine, never on a BackgroundPool worker, so it may call
// EnqueueRequest directly without reentrancy routing. rh.Tag() carries the
// opaque word handed to EnqueueRequest; rh.Status()/rh.Buffer() carry the
// result (Right(resp) on success, Left(status) on failure — session
// disconnected, watchdog, etc., spec §7).
type Continuation func(rh *RespHandle)

// Slot is one element of a Session's fixed-size in-flight window (spec §3).
type Slot struct {
	session *Session
	index   int

	inUse    bool
	tag      uintptr
	reqType  uint8
	reqNum   RequestNumber // assigned by EnqueueRequest when the slot is taken
	reqBuf   *MsgBuffer
	respBuf  *MsgBuffer
	cont     Continuation
	deadline time.Time

	// creditTaken is set once this slot's first packet has consumed a
	// transmit credit (spec §4.2: "a request consumes one credit when the
	// first packet is released for transmission, not when enqueued").
	creditTaken bool

	// pktsSent/pktsExpected drive the outbound (request) side's multi-packet
	// pacing. respPktsRcvd/respPktsExpected drive the inbound (response)
	// side's reassembly; they are independent counters since a multi-packet
	// request and its multi-packet response rarely share a packet count.
	pktsSent     int
	pktsExpected int

	respPktsRcvd     int
	respPktsExpected int
}

// InUse reports whether the slot currently holds an outstanding request.
func (sl *Slot) InUse() bool { return sl.inUse }

// Tag returns the slot's opaque user tag.
func (sl *Slot) Tag() uintptr { return sl.tag }

// reset clears a slot back to its free state. Called only by the owning
// Endpoint's polling goroutine.
func (sl *Slot) reset() {
	sl.inUse = false
	sl.tag = 0
	sl.reqType = 0
	sl.reqNum = 0
	sl.reqBuf = nil
	sl.respBuf = nil
	sl.cont = nil
	sl.deadline = time.Time{}
	sl.creditTaken = false
	sl.pktsSent = 0
	sl.pktsExpected = 0
	sl.respPktsRcvd = 0
	sl.respPktsExpected = 0
}
