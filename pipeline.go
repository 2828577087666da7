// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "code.hybscloud.com/kont"

// HandlerClass selects where a registered request type's handler runs
// (spec §4.2).
type HandlerClass uint8

const (
	// ClassFgTerminal runs in the polling goroutine and must call
	// Call.EnqueueResponse synchronously before returning.
	ClassFgTerminal HandlerClass = iota
	// ClassFgNonterminal runs in the polling goroutine but may defer,
	// holding the Call and calling EnqueueResponse later (typically from
	// a nested request's continuation).
	ClassFgNonterminal
	// ClassBackground runs on a BackgroundPool worker and may block.
	ClassBackground
)

// RequestHandler processes one inbound request. c identifies the request
// and is the only handle through which the handler may respond or, for
// reentrancy, issue its own nested request on the same Endpoint.
type RequestHandler func(c *Call)

// reqHandlerEntry is the Nexus-wide registration for one request type
// (spec §3: "the registered request-handler table", immutable after
// startup per §5 "Shared resources").
type reqHandlerEntry struct {
	handler RequestHandler
	class   HandlerClass
}

// Call is the server-side handle for one inbound request (spec §4.2's
// req_handle). It knows whether it is executing in the polling goroutine or
// on a BackgroundPool worker, and routes EnqueueResponse/EnqueueRequest
// accordingly — this is the single place class-aware reentrant routing
// lives (spec §4.2 "Reentrancy contract").
type Call struct {
	ep      *Endpoint
	session *Session // server-role Session this request arrived on
	reqNum  RequestNumber
	reqType uint8
	reqBuf  *MsgBuffer

	background bool
	shard      *bgShard // non-nil iff background

	responded bool
}

// Endpoint returns the Endpoint this call arrived on, letting a handler
// allocate response or forwarding buffers from the right pool.
func (c *Call) Endpoint() *Endpoint { return c.ep }

// ReqType returns the registered request type this call was dispatched for.
func (c *Call) ReqType() uint8 { return c.reqType }

// Request returns the assembled request buffer.
func (c *Call) Request() *MsgBuffer { return c.reqBuf }

// InBackground reports whether c is executing on a BackgroundPool worker,
// matching scenario S2's in_background() check.
func (c *Call) InBackground() bool { return c.background }

// EnqueueResponse sends buf as the reply to this request (spec §4.2's
// enqueue_response). If preallocUsed is false, buf is a dynamic buffer the
// runtime frees after transmission. Calling EnqueueResponse more than once
// on the same Call is a StatusInvalidArgument error.
func (c *Call) EnqueueResponse(buf *MsgBuffer, preallocUsed bool) error {
	if c.responded {
		return errStatus(StatusInvalidArgument)
	}
	c.responded = true
	if c.background {
		enqueueReplyBlocking(c.shard, bgAction{
			kind:     actionRespond,
			call:     c,
			buf:      buf,
			prealloc: preallocUsed,
		})
		return nil
	}
	c.ep.sendResponse(c, buf, preallocUsed)
	return nil
}

// EnqueueRequest lets a handler (or continuation) itself originate a new
// request on any session owned by the same Endpoint (spec §4.2
// reentrancy). When called from the polling goroutine the request enters
// the pipeline immediately: its packets are in the TimingWheel before this
// returns. They are sent once a later Reap releases their bucket, so the
// current iteration's transmit pass (whose Reap has already run) does not
// send them. When called from a background worker the request is deposited
// on the Endpoint's reentrancy mailbox and drained at the next polling
// iteration.
func (c *Call) EnqueueRequest(session *Session, reqType uint8, reqBuf *MsgBuffer, cont Continuation, tag uintptr) error {
	if c.background {
		enqueueReplyBlocking(c.shard, bgAction{
			kind:    actionEnqueueRequest,
			call:    c,
			ep:      c.ep,
			session: session,
			reqType: reqType,
			reqBuf:  reqBuf,
			cont:    cont,
			tag:     tag,
		})
		return nil
	}
	return c.ep.EnqueueRequest(session, reqType, reqBuf, cont, tag)
}

// RespHandle is the client-side handle for a completed (or failed)
// response, passed to a [Continuation] (spec §4.2, GLOSSARY). tag is the
// opaque word given to EnqueueRequest, preserved verbatim; there is no
// separate "context" parameter the way eRPC's C API needs one — Go
// continuations are closures and close over whatever context they need.
type RespHandle struct {
	ep     *Endpoint
	slot   *Slot
	result kont.Either[Status, *MsgBuffer]
}

// Tag returns the opaque tag supplied to EnqueueRequest.
func (rh *RespHandle) Tag() uintptr { return rh.slot.tag }

// Status returns StatusOK on success, or the failure status (e.g.
// StatusSessionDisconnected) otherwise.
func (rh *RespHandle) Status() Status {
	if st, ok := rh.result.GetLeft(); ok {
		return st
	}
	return StatusOK
}

// Buffer returns the response buffer on success, or nil on failure.
func (rh *RespHandle) Buffer() *MsgBuffer {
	if buf, ok := rh.result.GetRight(); ok {
		return buf
	}
	return nil
}

// ReleaseResponse returns ownership of the response buffer and implicitly
// frees the associated client-side Slot (spec §4.2's release_response).
// Continuations that do not need the buffer after returning should call
// this before returning; the runtime does not call it implicitly, since a
// continuation may stash the buffer for asynchronous use.
func (ep *Endpoint) ReleaseResponse(rh *RespHandle) {
	if rh == nil || rh.slot == nil {
		return
	}
	if buf, ok := rh.result.GetRight(); ok && buf.IsDynamic() {
		ep.FreeMsgBuffer(buf)
	}
	ep.freeSlotLocked(rh.slot)
}

// EnqueueRequest submits a new request on session (spec §4.2's
// enqueue_request). session must be client-role and Connected; reqBuf's
// length must not exceed cfg.MaxMsgSize. On success the request's first
// packet is handed to the TimingWheel for pacing and EnqueueRequest returns
// immediately; cont is invoked later with the same tag, exactly once.
func (ep *Endpoint) EnqueueRequest(session *Session, reqType uint8, reqBuf *MsgBuffer, cont Continuation, tag uintptr) error {
	if session == nil || session.role != RoleClient {
		return errStatus(StatusInvalidArgument)
	}
	if session.state != StateConnected {
		return errStatus(StatusSessionDisconnected)
	}
	if reqBuf == nil || reqBuf.Len() > ep.cfg.MaxMsgSize {
		return errStatus(StatusInvalidArgument)
	}
	sl := session.freeSlot()
	if sl == nil {
		return errStatus(StatusNoFreeSlot)
	}

	sl.inUse = true
	sl.tag = tag
	sl.reqType = reqType
	sl.reqNum = session.reqCounter.alloc()
	sl.reqBuf = reqBuf
	sl.cont = cont
	sl.pktsSent = 0
	sl.pktsExpected = packetCount(reqBuf.Len(), ep.cfg.MTU)
	if ep.cfg.SlotWatchdog > 0 {
		sl.deadline = ep.now().Add(ep.cfg.SlotWatchdog)
	}

	ep.submitSlotPackets(session, sl)
	return nil
}

// packetCount returns how many MTU-sized packets a message of length n
// requires (spec §4.2: "for multi-packet messages, packets carry sequence
// numbers").
func packetCount(n, mtu int) int {
	if n == 0 {
		return 1
	}
	return (n + mtu - 1) / mtu
}

// submitSlotPackets inserts every packet of sl's request into the wheel at
// a pacing-derived send timestamp (spec §4.3's rate realization), starting
// from the current time. Credits are not consumed here: a request
// consumes a credit only when its first packet is actually released for
// transmission by the wheel (spec §4.2).
func (ep *Endpoint) submitSlotPackets(session *Session, sl *Slot) {
	now := ep.nowTsc()
	gapTsc := ep.pacingGapTsc(session)
	for i := 0; i < sl.pktsExpected; i++ {
		ep.wheel.Insert(WheelEntry{Session: session, Slot: sl, PktIndex: i}, now+int64(i)*gapTsc)
	}
}

// pacingGapTsc computes the nanosecond gap between successive packets of a
// burst to realize the Endpoint's configured target rate (spec §4.3:
// "Δ = M/R seconds between successive packets"). Congestion control (the
// component that sets R) is out of scope (spec §1); RateBytesPerSec is a
// plain Endpoint-wide field a caller (or an external CC loop) may update.
func (ep *Endpoint) pacingGapTsc(session *Session) int64 {
	rate := ep.RateBytesPerSec
	if rate <= 0 {
		return 0 // unpaced: always lands in the current bucket
	}
	seconds := float64(ep.cfg.MTU) / rate
	return int64(seconds * 1e9)
}

// tryTakeCredit consumes one credit for sl's session, if available, the
// first time sl's first packet is released for transmission (spec §4.2: "a
// request consumes one credit when the first packet is released for
// transmission, not when enqueued"). When no credit remains it returns
// false; the caller (the Endpoint's transmit pass) re-inserts the same
// wheel entry at the current time instead of transmitting it, which is the
// per-session FIFO of spec §4.2 realized as repeated wheel reinsertion
// rather than a separate queue — the ready queue already preserves arrival
// order, so stalled entries retry, in order, every polling iteration until
// a credit frees up.
func (session *Session) tryTakeCredit(sl *Slot) bool {
	if sl.creditTaken {
		return true
	}
	if session.creditsRemain == 0 {
		return false
	}
	session.creditsRemain--
	sl.creditTaken = true
	return true
}

// restoreCredit returns one credit to session once its holder's slot
// completes (spec §4.2: "credits are returned on response completion").
// Any slot stalled on this session's wheel entries picks the credit up the
// next time its entry is reaped, without further bookkeeping here.
func (ep *Endpoint) restoreCredit(session *Session) {
	session.creditsRemain++
}

// completeSlot invokes sl's continuation with the given result. The slot is
// freed when the continuation calls ReleaseResponse; a slot with no
// continuation is freed here. status StatusOK with a non-nil resp means
// success; any other status means failure, with resp ignored.
func (ep *Endpoint) completeSlot(sl *Slot, resp *MsgBuffer, status Status) {
	cont := sl.cont
	rh := &RespHandle{ep: ep, slot: sl}
	if status == StatusOK {
		rh.result = kont.Right[Status, *MsgBuffer](resp)
	} else {
		rh.result = kont.Left[Status, *MsgBuffer](status)
	}
	if cont != nil {
		cont(rh)
		return
	}
	// No continuation (shouldn't happen for user-issued requests): free
	// eagerly so the slot does not leak.
	ep.freeSlotLocked(sl)
}

// freeSlotLocked resets sl and, if it held a credit, restores it. Called
// only from the owning Endpoint's polling goroutine.
func (ep *Endpoint) freeSlotLocked(sl *Slot) {
	session := sl.session
	hadCredit := sl.creditTaken
	sl.reset()
	if hadCredit {
		ep.restoreCredit(session)
	}
}
