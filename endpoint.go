// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import (
	"sort"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/xrpc/transport"
)

// recvWindow is how many receive buffers an Endpoint keeps posted at once.
const recvWindow = 64

// recvSlot is one posted, reused receive buffer.
type recvSlot struct {
	token uint64
	buf   []byte
}

// callKey identifies one in-flight inbound request for multi-packet
// reassembly on the server side (SPEC_FULL §4.2 supplement).
type callKey struct {
	session SessionNumber
	reqNum  RequestNumber
}

// pendingReq accumulates a multi-packet request's payload until every
// packet has arrived.
type pendingReq struct {
	buf      []byte
	pktCount int
	lastLen  int
	rcvd     int
	reqType  uint8
}

// clientKey identifies the originating client side of a session, used to
// make inbound connect-req handling idempotent under retransmission (spec
// §4.1: "idempotent retransmission").
type clientKey struct {
	hostname      string
	endpointID    EndpointID
	sessionNumber SessionNumber
}

// respJob is a server-side outbound response, paced through the same
// TimingWheel as outbound requests (see DESIGN.md's wheel.go entry: pacing
// applies to egress generally, not only to client-originated traffic).
type respJob struct {
	session      *Session // server-role session addressing the peer
	reqNum       RequestNumber
	reqType      uint8
	buf          *MsgBuffer
	preallocUsed bool
	pktsExpected int
}

// Endpoint is bound to a single polling goroutine (spec §3, §5): every
// method that touches session state, the wheel, or the transport must be
// called from that one goroutine. The only exceptions are the atomic
// bgGone flag and the BackgroundPool's own queues, which are built for
// cross-goroutine use by design.
type Endpoint struct {
	id        EndpointID
	nexus     *Nexus
	cfg       Config
	transport transport.Transport
	wheel     *TimingWheel

	sessions              map[SessionNumber]*Session
	sessionNums           sessionNumberAllocator
	serverSessionByClient map[clientKey]SessionNumber

	pendingReqs map[callKey]*pendingReq

	recvSlots []recvSlot

	bgShards []*bgShard
	bgGone   atomix.Uint32

	// RateBytesPerSec paces outbound packets (spec §4.3). Zero means
	// unpaced. Congestion control that adjusts this value is out of scope
	// (spec §1); this is the plain knob such a loop would drive.
	RateBytesPerSec float64

	// onSessionEvent, if set, is notified on every Connected/Disconnected
	// transition (SPEC_FULL §3 supplement).
	onSessionEvent func(SessionNumber, SessionEvent, Status)
}

// newEndpoint constructs an Endpoint bound to tr. Only [Nexus.CreateEndpoint]
// calls this, so the request-handler table (read by dispatch) is already
// frozen by the time any Endpoint exists (spec §5: "immutable after
// startup").
func newEndpoint(n *Nexus, id EndpointID, cfg Config, tr transport.Transport) *Endpoint {
	cfg = cfg.normalize()
	ep := &Endpoint{
		id:                    id,
		nexus:                 n,
		cfg:                   cfg,
		transport:             tr,
		sessions:              make(map[SessionNumber]*Session),
		serverSessionByClient: make(map[clientKey]SessionNumber),
		pendingReqs:           make(map[callKey]*pendingReq),
	}
	bucketWidthNs := int64(cfg.WheelSlotWidthUs * 1000)
	if bucketWidthNs <= 0 {
		bucketWidthNs = 1
	}
	ep.wheel = newTimingWheel(cfg.WheelBuckets, bucketWidthNs, ep.nowTsc())
	ep.bgShards = newBgShards(cfg.BgThreads)
	ep.initRecvBufs()
	return ep
}

func (ep *Endpoint) initRecvBufs() {
	ep.recvSlots = make([]recvSlot, recvWindow)
	wrs := make([]transport.RecvWR, recvWindow)
	for i := range ep.recvSlots {
		buf := make([]byte, dataHeaderWireLen+ep.cfg.MTU)
		ep.recvSlots[i] = recvSlot{token: uint64(i), buf: buf}
		wrs[i] = transport.RecvWR{Token: uint64(i), Buf: buf}
	}
	_, _ = ep.transport.PostRecv(wrs)
}

// ID returns the endpoint's process-local id.
func (ep *Endpoint) ID() EndpointID { return ep.id }

// OnSessionEvent registers the session-management notification callback.
func (ep *Endpoint) OnSessionEvent(f func(SessionNumber, SessionEvent, Status)) {
	ep.onSessionEvent = f
}

// Session looks up a session by its local number, or nil if unknown.
func (ep *Endpoint) Session(num SessionNumber) *Session { return ep.sessions[num] }

// WheelHorizonExceededCount returns the number of outbound packets whose
// pacing target fell beyond the wheel's horizon and were clamped to its
// last bucket (spec §4.3's "wheel-too-short" counter), exposed for external
// tuning and diagnostics.
func (ep *Endpoint) WheelHorizonExceededCount() uint64 { return ep.wheel.HorizonExceededCount() }

// now/nowTsc are the endpoint's clock source. They are plain wall-clock
// reads rather than a cached "coarse" clock (spec places clock-source
// optimization out of scope) but are named as methods so tests can spy on
// them if a future need arises.
func (ep *Endpoint) now() time.Time { return time.Now() }
func (ep *Endpoint) nowTsc() int64  { return time.Now().UnixNano() }

// CreateSession originates a client-role session to (remoteHostname,
// remoteEndpointID) (spec §4.1). It returns immediately in
// StateConnectInProgress; the caller learns of settlement via
// OnSessionEvent or by polling (*Session).State.
func (ep *Endpoint) CreateSession(remoteHostname string, remoteEndpointID EndpointID) (*Session, error) {
	if remoteHostname == "" {
		return nil, errStatus(StatusInvalidArgument)
	}
	num := ep.sessionNums.alloc()
	local := EndpointDescriptor{Hostname: ep.nexus.hostname, TransportType: ep.cfg.TransportType, EndpointID: ep.id, SessionNumber: num}
	remote := EndpointDescriptor{Hostname: remoteHostname, EndpointID: remoteEndpointID}
	s := newSession(ep, num, RoleClient, local, remote)
	ep.sessions[num] = s
	ep.sendMgmtFor(s, pktConnectReq, StatusOK)
	s.lastMgmtSendTsc = ep.nowTsc()
	return s, nil
}

// DestroySession begins tearing s down (spec §4.1). If s has not finished
// connecting, the disconnect is deferred (StateDisconnectWaitForConnect)
// until the connect handshake settles.
func (ep *Endpoint) DestroySession(s *Session) error {
	if s == nil {
		return errStatus(StatusInvalidArgument)
	}
	switch s.state {
	case StateConnectInProgress:
		s.transition(StateDisconnectWaitForConnect, StatusOK)
	case StateConnected:
		s.transition(StateDisconnectInProgress, StatusOK)
		ep.sendMgmtFor(s, pktDisconnectReq, StatusOK)
		s.lastMgmtSendTsc = ep.nowTsc()
	default:
		return errStatus(StatusInvalidArgument)
	}
	return nil
}

// sendMgmtFor sends one management packet of the given kind for session s,
// filling the wire Client/Server descriptor pair from s's role (spec §6:
// the packet's Client/Server naming is fixed to whoever originated the
// session, independent of who currently sends).
func (ep *Endpoint) sendMgmtFor(s *Session, kind pktKind, status Status) {
	client, server := s.asPacketFields()
	p := mgmtPacket{Kind: kind, Status: status, Client: client, Server: server}
	_ = ep.nexus.sendMgmt(s.remote.Hostname, p.encode())
}

// hasFreeSessionCapacity reports whether accepting ck as a new server-role
// session would respect cfg.MaxSessions (spec §7's no-sessions error). An
// already-known client (a connect-req retransmit) never counts against the
// limit, since accepting it creates no new session.
func (ep *Endpoint) hasFreeSessionCapacity(ck clientKey) bool {
	if ep.cfg.MaxSessions <= 0 {
		return true
	}
	if _, exists := ep.serverSessionByClient[ck]; exists {
		return true
	}
	return len(ep.sessions) < ep.cfg.MaxSessions
}

// acceptConnect implements the server side of the connect handshake for an
// inbound connect-req the owning Nexus has already resolved to this
// Endpoint and cleared against spec §7's capacity/transport-type checks.
// Idempotent under retransmission via clientKey (spec §4.1).
func (ep *Endpoint) acceptConnect(clientDesc EndpointDescriptor) (client, server EndpointDescriptor) {
	ck := clientKey{clientDesc.Hostname, clientDesc.EndpointID, clientDesc.SessionNumber}
	num, exists := ep.serverSessionByClient[ck]
	s := ep.sessions[num]
	if !exists || s == nil {
		num = ep.sessionNums.alloc()
		local := EndpointDescriptor{Hostname: ep.nexus.hostname, TransportType: ep.cfg.TransportType, EndpointID: ep.id, SessionNumber: num}
		s = newSession(ep, num, RoleServer, local, clientDesc)
		ep.sessions[num] = s
		ep.serverSessionByClient[ck] = num
		s.transition(StateConnected, StatusOK)
	}
	return s.asPacketFields()
}

// retransmitSweep resends the pending management packet for every session
// in a managed state whose last send exceeds cfg.MgmtRetransMs (spec §4.1:
// "idempotent retransmission" over the unreliable management channel).
func (ep *Endpoint) retransmitSweep() {
	thresholdNs := int64(ep.cfg.MgmtRetransMs) * int64(time.Millisecond)
	now := ep.nowTsc()
	// Visit managed sessions in ascending session-number order, so the
	// sweep's send order is deterministic (map iteration order is not).
	nums := make([]SessionNumber, 0, len(ep.sessions))
	for num, s := range ep.sessions {
		if s.state.isManaged() {
			nums = append(nums, num)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	for _, num := range nums {
		s := ep.sessions[num]
		if now-s.lastMgmtSendTsc < thresholdNs {
			continue
		}
		switch s.state {
		case StateConnectInProgress, StateDisconnectWaitForConnect:
			// A deferred disconnect still needs the connect-reply (it
			// carries the remote's session number), so keep resending
			// the connect-req until one arrives.
			ep.sendMgmtFor(s, pktConnectReq, StatusOK)
		case StateDisconnectInProgress:
			ep.sendMgmtFor(s, pktDisconnectReq, StatusOK)
		}
		s.lastMgmtSendTsc = now
	}
}

// handleConnectReply applies an inbound connect-reply already routed to
// this Endpoint by the owning Nexus (spec §4.1). num is the client-role
// session's local number, carried in whichever of p's descriptors named
// this Nexus's hostname.
func (ep *Endpoint) handleConnectReply(num SessionNumber, p mgmtPacket) {
	s := ep.sessions[num]
	if s == nil || s.role != RoleClient {
		return
	}
	switch s.state {
	case StateConnectInProgress:
		s.remote.SessionNumber = p.Server.SessionNumber
		if p.Status == StatusOK {
			s.transition(StateConnected, StatusOK)
		} else {
			s.transition(StateDisconnected, p.Status)
			delete(ep.sessions, num)
		}
	case StateDisconnectWaitForConnect:
		s.remote.SessionNumber = p.Server.SessionNumber
		s.transition(StateDisconnectInProgress, StatusOK)
		ep.sendMgmtFor(s, pktDisconnectReq, StatusOK)
		s.lastMgmtSendTsc = ep.nowTsc()
	}
}

// handleDisconnectReq applies an inbound disconnect-req already routed to
// this Endpoint by the owning Nexus (spec §4.1).
func (ep *Endpoint) handleDisconnectReq(num SessionNumber, p mgmtPacket) {
	s := ep.sessions[num]
	if s == nil {
		return
	}
	client, server := s.asPacketFields()
	reply := mgmtPacket{Kind: pktDisconnectReply, Status: StatusOK, Client: client, Server: server}
	_ = ep.nexus.sendMgmt(s.remote.Hostname, reply.encode())
	if s.state != StateDisconnected {
		s.transition(StateDisconnected, StatusOK)
	}
	delete(ep.sessions, num)
}

// handleDisconnectReply applies an inbound disconnect-reply already routed
// to this Endpoint by the owning Nexus (spec §4.1).
func (ep *Endpoint) handleDisconnectReply(num SessionNumber) {
	s := ep.sessions[num]
	if s == nil || s.state != StateDisconnectInProgress {
		return
	}
	s.transition(StateDisconnected, StatusOK)
	delete(ep.sessions, num)
}

// pollRecv drains completion events for previously posted sends and
// receives.
func (ep *Endpoint) pollRecv() {
	events, err := ep.transport.PollCQ(64)
	if err != nil {
		return
	}
	for _, ev := range events {
		if ev.Kind != transport.CQRecv {
			continue // CQSend: fire-and-forget, nothing to reconcile
		}
		ep.handleRecvEvent(ev)
	}
}

func (ep *Endpoint) handleRecvEvent(ev transport.CQEvent) {
	slot := &ep.recvSlots[ev.Token%uint64(len(ep.recvSlots))]
	data := slot.buf[:ev.N]
	hdr, ok := decodeDataHeader(data)
	if ok {
		payload := data[dataHeaderWireLen:]
		switch hdr.Kind {
		case dataPktRequest:
			ep.handleRequestPacket(hdr, payload)
		case dataPktResponse:
			ep.handleResponsePacket(hdr, payload)
		}
	}
	_, _ = ep.transport.PostRecv([]transport.RecvWR{{Token: slot.token, Buf: slot.buf}})
}

// handleRequestPacket folds one inbound request packet into its pendingReq
// and dispatches once every packet has arrived (SPEC_FULL §4.2 multi-packet
// reassembly supplement).
func (ep *Endpoint) handleRequestPacket(hdr dataHeader, payload []byte) {
	key := callKey{session: hdr.SessionNumber, reqNum: hdr.ReqNumber}
	pr, ok := ep.pendingReqs[key]
	if !ok {
		pr = &pendingReq{
			buf:      make([]byte, int(hdr.PktCount)*ep.cfg.MTU),
			pktCount: int(hdr.PktCount),
			reqType:  hdr.ReqType,
		}
		ep.pendingReqs[key] = pr
	}
	off := int(hdr.PktIndex) * ep.cfg.MTU
	n := copy(pr.buf[off:], payload)
	if int(hdr.PktIndex) == pr.pktCount-1 {
		pr.lastLen = n
	}
	pr.rcvd++
	if pr.rcvd < pr.pktCount {
		return
	}
	delete(ep.pendingReqs, key)
	total := (pr.pktCount-1)*ep.cfg.MTU + pr.lastLen
	mb, err := ep.allocMsgBuffer(total)
	if err != nil {
		return
	}
	copy(mb.buf, pr.buf[:total])
	ep.dispatchCall(key.session, key.reqNum, pr.reqType, mb)
}

// dispatchCall routes a fully reassembled inbound request to its registered
// handler, on the polling goroutine for fg classes or onto a background
// shard for ClassBackground (spec §4.2, §5).
func (ep *Endpoint) dispatchCall(sessionNum SessionNumber, reqNum RequestNumber, reqType uint8, reqBuf *MsgBuffer) {
	s := ep.sessions[sessionNum]
	if s == nil {
		return
	}
	entry, ok := ep.nexus.handler(reqType)
	if !ok {
		return
	}
	call := &Call{ep: ep, session: s, reqNum: reqNum, reqType: reqType, reqBuf: reqBuf}
	if entry.class != ClassBackground {
		entry.handler(call)
		return
	}
	call.background = true
	shard := shardFor(ep.bgShards, sessionNum)
	call.shard = shard
	if err := shard.in.Enqueue(bgWorkItem{call: call, handler: entry.handler}); err != nil {
		// Shard queue full: run inline rather than drop the request
		// silently, at the cost of the class guarantee for this one call.
		call.background = false
		entry.handler(call)
	}
}

// handleResponsePacket folds one inbound response packet into the slot
// awaiting it, completing the slot once every packet has arrived.
func (ep *Endpoint) handleResponsePacket(hdr dataHeader, payload []byte) {
	s := ep.sessions[hdr.SessionNumber]
	if s == nil {
		return
	}
	var sl *Slot
	for i := range s.slots {
		if s.slots[i].inUse && s.slots[i].reqNum == hdr.ReqNumber {
			sl = &s.slots[i]
			break
		}
	}
	if sl == nil {
		return
	}
	if sl.respBuf == nil {
		sl.respPktsExpected = int(hdr.PktCount)
		mb, err := ep.allocMsgBuffer(sl.respPktsExpected * ep.cfg.MTU)
		if err != nil {
			return
		}
		sl.respBuf = mb
	}
	off := int(hdr.PktIndex) * ep.cfg.MTU
	n := copy(sl.respBuf.buf[off:], payload)
	if int(hdr.PktIndex) == sl.respPktsExpected-1 {
		sl.respBuf.len = off + n
	}
	sl.respPktsRcvd++
	if sl.respPktsRcvd < sl.respPktsExpected {
		return
	}
	ep.completeSlot(sl, sl.respBuf, StatusOK)
}

// checkWatchdogs fires StatusWatchdogExpired for any slot past its deadline
// (spec's optional per-slot watchdog, SPEC_FULL §5 supplement). A no-op
// when cfg.SlotWatchdog is zero.
func (ep *Endpoint) checkWatchdogs() {
	if ep.cfg.SlotWatchdog <= 0 {
		return
	}
	now := ep.now()
	for _, s := range ep.sessions {
		for i := range s.slots {
			sl := &s.slots[i]
			if sl.inUse && !sl.deadline.IsZero() && now.After(sl.deadline) {
				ep.completeSlot(sl, nil, StatusWatchdogExpired)
			}
		}
	}
}

// drainBgReplies applies every action a BackgroundPool worker deposited
// since the last polling iteration (spec §4.2's reentrancy mailbox).
func (ep *Endpoint) drainBgReplies() {
	for _, shard := range ep.bgShards {
		for {
			a, err := shard.reply.Dequeue()
			if err != nil {
				break
			}
			ep.applyBgAction(a)
		}
	}
}

func (ep *Endpoint) applyBgAction(a bgAction) {
	switch a.kind {
	case actionRespond:
		a.call.background = false
		ep.sendResponse(a.call, a.buf, a.prealloc)
	case actionEnqueueRequest:
		if a.call != nil {
			// From this point on the original inbound Call is only ever
			// touched from the polling goroutine (its continuation fires
			// here), so a later EnqueueResponse must send directly rather
			// than route through the mailbox a second time.
			a.call.background = false
		}
		_ = ep.EnqueueRequest(a.session, a.reqType, a.reqBuf, a.cont, a.tag)
	}
}

// sendResponse schedules buf as c's reply, one wheel entry per packet
// (spec §4.2, §4.3). Called only from the polling goroutine, either
// directly (fg classes) or via drainBgReplies (background classes).
func (ep *Endpoint) sendResponse(c *Call, buf *MsgBuffer, preallocUsed bool) {
	blen := 0
	if buf != nil {
		blen = buf.Len()
	}
	pktsExpected := packetCount(blen, ep.cfg.MTU)
	rj := &respJob{
		session:      c.session,
		reqNum:       c.reqNum,
		reqType:      c.reqType,
		buf:          buf,
		preallocUsed: preallocUsed,
		pktsExpected: pktsExpected,
	}
	now := ep.nowTsc()
	gap := ep.pacingGapTsc(c.session)
	for i := 0; i < pktsExpected; i++ {
		ep.wheel.Insert(WheelEntry{RespJob: rj, PktIndex: i}, now+int64(i)*gap)
	}
}

// packetPayload slices mb's byte range for wheel entry idx's packet. A nil
// mb (an empty response) yields an empty payload for every index.
func packetPayload(mb *MsgBuffer, idx, mtu int) []byte {
	if mb == nil {
		return nil
	}
	start := idx * mtu
	end := start + mtu
	if end > mb.Len() {
		end = mb.Len()
	}
	if start > end {
		start = end
	}
	return mb.Bytes()[start:end]
}

func (ep *Endpoint) buildSendWR(dest string, hdr dataHeader, payload []byte) transport.SendWR {
	b := make([]byte, dataHeaderWireLen+len(payload))
	copy(b, encodeDataHeader(hdr))
	copy(b[dataHeaderWireLen:], payload)
	return transport.SendWR{Dest: dest, Data: b}
}

// transmitReady drains the wheel's ready queue and posts one send per
// entry, taking a transmit credit for the first packet of a request (spec
// §4.2) and re-inserting entries that stall for lack of one (spec §9's
// resolved open question on wheel-entry accounting).
func (ep *Endpoint) transmitReady() {
	entries := ep.wheel.DrainReady()
	if len(entries) == 0 {
		return
	}
	wrs := make([]transport.SendWR, 0, len(entries))
	for _, e := range entries {
		if e.IsRequest() {
			if wr, ok := ep.buildRequestWR(e); ok {
				wrs = append(wrs, wr)
			}
			continue
		}
		wrs = append(wrs, ep.buildResponseWR(e))
	}
	if len(wrs) > 0 {
		_, _ = ep.transport.PostSend(wrs)
	}
}

func (ep *Endpoint) buildRequestWR(e WheelEntry) (transport.SendWR, bool) {
	sl := e.Slot
	if !sl.inUse {
		return transport.SendWR{}, false // slot freed (e.g. session disconnected) since insert
	}
	if e.PktIndex == 0 && !sl.session.tryTakeCredit(sl) {
		ep.wheel.Insert(e, ep.nowTsc())
		return transport.SendWR{}, false
	}
	hdr := dataHeader{
		SessionNumber: sl.session.remote.SessionNumber,
		ReqNumber:     sl.reqNum,
		PktIndex:      uint16(e.PktIndex),
		PktCount:      uint16(sl.pktsExpected),
		Kind:          dataPktRequest,
		ReqType:       sl.reqType,
	}
	payload := packetPayload(sl.reqBuf, e.PktIndex, ep.cfg.MTU)
	sl.pktsSent++
	return ep.buildSendWR(sl.session.remote.Hostname, hdr, payload), true
}

func (ep *Endpoint) buildResponseWR(e WheelEntry) transport.SendWR {
	rj := e.RespJob
	hdr := dataHeader{
		SessionNumber: rj.session.remote.SessionNumber,
		ReqNumber:     rj.reqNum,
		PktIndex:      uint16(e.PktIndex),
		PktCount:      uint16(rj.pktsExpected),
		Kind:          dataPktResponse,
		ReqType:       rj.reqType,
	}
	payload := packetPayload(rj.buf, e.PktIndex, ep.cfg.MTU)
	if e.PktIndex == rj.pktsExpected-1 && rj.buf != nil && !rj.preallocUsed {
		ep.FreeMsgBuffer(rj.buf)
	}
	return ep.buildSendWR(rj.session.remote.Hostname, hdr, payload)
}

// RunEventLoopOnce runs a single polling iteration (spec §5): reap the
// wheel, drain background replies, service management, poll the data
// plane, check watchdogs, and transmit whatever the wheel released. It
// never blocks.
func (ep *Endpoint) RunEventLoopOnce() {
	ep.wheel.Reap(ep.nowTsc())
	ep.drainBgReplies()
	ep.nexus.pollMgmt()
	ep.retransmitSweep()
	ep.pollRecv()
	ep.checkWatchdogs()
	ep.transmitReady()
}

// RunEventLoop runs RunEventLoopOnce in a tight spin until d has elapsed.
func (ep *Endpoint) RunEventLoop(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		ep.RunEventLoopOnce()
	}
}

// Close marks the endpoint gone: a handler already running on a pool worker
// still completes, and a work item dequeued afterwards skips its handler
// (the worker posts an empty response in its place). Close does not drain
// the reply queues. Every outstanding client-side slot fails immediately
// with StatusEndpointGone (spec §7: "the local Endpoint was destroyed
// mid-flight").
func (ep *Endpoint) Close() error {
	ep.bgGone.Store(1)
	ep.nexus.bgPool.Unregister(ep)
	for _, s := range ep.sessions {
		s.failOutstanding(StatusEndpointGone)
	}
	return ep.transport.Close()
}
