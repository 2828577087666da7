// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "code.hybscloud.com/xrpc/transport"

// Nexus is the per-process registry and management-message transport owner
// (spec §3, §6, GLOSSARY): the immutable request-handler table, the shared
// BackgroundPool every Endpoint created from it draws on, the process-wide
// table of locally registered Endpoints (keyed by EndpointID, consulted by
// inbound connect-req handling), and the single management side channel
// every one of its Endpoints addresses through. Exactly one Nexus normally
// exists per process, mirroring the teacher's "shared resources" design
// note (spec §5) and spec §142's "the Nexus owns... the management socket".
type Nexus struct {
	hostname string
	mgmt     transport.MgmtTransport
	handlers map[uint8]reqHandlerEntry
	frozen   bool

	epIDs     idAllocator
	bgPool    *BackgroundPool
	endpoints map[EndpointID]*Endpoint
}

// NewNexus creates a Nexus addressable as hostname (spec §6's `Nexus(hostname,
// mgmt_port)`, with the bound management channel passed in as mgmt rather
// than a raw port number — the same idiom [Nexus.CreateEndpoint] already
// uses for an Endpoint's data-plane transport), with a BackgroundPool sized
// to bgThreads workers shared by every Endpoint it later creates.
func NewNexus(hostname string, mgmt transport.MgmtTransport, bgThreads int) *Nexus {
	return &Nexus{
		hostname:  hostname,
		mgmt:      mgmt,
		handlers:  make(map[uint8]reqHandlerEntry),
		bgPool:    NewBackgroundPool(bgThreads),
		endpoints: make(map[EndpointID]*Endpoint),
	}
}

// Hostname returns the Nexus's addressable hostname.
func (n *Nexus) Hostname() string { return n.hostname }

// RegisterReqFunc registers handler for reqType, to run with the given
// class (spec §4.2). Registration is only valid before the first
// CreateEndpoint call; the table is immutable thereafter (spec §5).
func (n *Nexus) RegisterReqFunc(reqType uint8, class HandlerClass, handler RequestHandler) error {
	if n.frozen {
		return errStatus(StatusInvalidArgument)
	}
	if handler == nil {
		return errStatus(StatusInvalidArgument)
	}
	n.handlers[reqType] = reqHandlerEntry{handler: handler, class: class}
	return nil
}

// handler looks up the registered entry for reqType.
func (n *Nexus) handler(reqType uint8) (reqHandlerEntry, bool) {
	e, ok := n.handlers[reqType]
	return e, ok
}

// CreateEndpoint freezes the request-handler table (on first call) and
// returns a new Endpoint bound to tr, registered with the Nexus's shared
// BackgroundPool (spec §3: "Endpoint — worker-thread-bound") and with the
// Nexus's process-local EndpointID registry, so inbound connect-req handling
// can resolve the requested target endpoint (spec §7's invalid-remote
// check).
func (n *Nexus) CreateEndpoint(cfg Config, tr transport.Transport) *Endpoint {
	n.frozen = true
	cfg = cfg.normalize()
	// Every Endpoint's shard count must match the shared BackgroundPool's
	// worker count, since a worker services shard index i across every
	// registered Endpoint (see bgpool.go's shardFor/serviceOnce).
	cfg.BgThreads = n.bgPool.workers
	id := EndpointID(n.epIDs.alloc())
	ep := newEndpoint(n, id, cfg, tr)
	n.bgPool.Register(ep)
	n.endpoints[id] = ep
	return ep
}

// sendMgmt sends one management datagram over the Nexus's shared channel.
func (n *Nexus) sendMgmt(hostname string, payload []byte) error {
	return n.mgmt.SendMgmt(hostname, payload)
}

// pollMgmt drains and dispatches inbound management datagrams. Called once
// per polling iteration by every Endpoint the Nexus hosts; draining an
// already-empty queue is harmless, so no de-duplication between callers is
// needed.
func (n *Nexus) pollMgmt() {
	dgs, err := n.mgmt.PollMgmt(32)
	if err != nil {
		return
	}
	for _, dg := range dgs {
		p, ok := decodeMgmtPacket(dg.Payload)
		if !ok {
			continue
		}
		n.handleMgmt(p)
	}
}

func (n *Nexus) handleMgmt(p mgmtPacket) {
	switch p.Kind {
	case pktConnectReq:
		n.handleConnectReq(p)
	case pktConnectReply:
		n.handleConnectReply(p)
	case pktDisconnectReq:
		n.handleDisconnectReq(p)
	case pktDisconnectReply:
		n.handleDisconnectReply(p)
	}
}

// localDescriptor picks out whichever of p's two descriptors names this
// Nexus's own hostname (spec §6: descriptors are self-assigned, so the
// receiving side's own descriptor always appears verbatim in the packet it
// receives) and resolves the Endpoint it names, for routing an inbound
// connect-reply/disconnect-req/disconnect-reply to the right local Endpoint
// out of however many this Nexus hosts.
func (n *Nexus) localDescriptor(p *mgmtPacket) (*Endpoint, SessionNumber, bool) {
	var d *EndpointDescriptor
	switch {
	case p.Client.Hostname == n.hostname:
		d = &p.Client
	case p.Server.Hostname == n.hostname:
		d = &p.Server
	default:
		return nil, 0, false
	}
	ep, ok := n.endpoints[d.EndpointID]
	if !ok {
		return nil, 0, false
	}
	return ep, d.SessionNumber, true
}

// replyConnect sends a connect-reply of the given status, echoing back the
// inbound packet's descriptors verbatim (spec §7: the three mandated
// connect-req error replies).
func (n *Nexus) replyConnect(p mgmtPacket, status Status) {
	reply := mgmtPacket{Kind: pktConnectReply, Status: status, Client: p.Client, Server: p.Server}
	_ = n.mgmt.SendMgmt(p.Client.Hostname, reply.encode())
}

// handleConnectReq resolves an inbound connect-req's target endpoint out of
// this process's registry and enforces spec §7's three connect-time checks
// — unknown target endpoint, exhausted session capacity, mismatched
// transport type — before delegating acceptance to the target Endpoint.
func (n *Nexus) handleConnectReq(p mgmtPacket) {
	targetEp, ok := n.endpoints[p.Server.EndpointID]
	if !ok {
		n.replyConnect(p, StatusInvalidRemote)
		return
	}
	ck := clientKey{p.Client.Hostname, p.Client.EndpointID, p.Client.SessionNumber}
	if !targetEp.hasFreeSessionCapacity(ck) {
		n.replyConnect(p, StatusNoSessions)
		return
	}
	if p.Client.TransportType != targetEp.cfg.TransportType {
		n.replyConnect(p, StatusTransportMismatch)
		return
	}
	client, server := targetEp.acceptConnect(p.Client)
	reply := mgmtPacket{Kind: pktConnectReply, Status: StatusOK, Client: client, Server: server}
	_ = n.mgmt.SendMgmt(p.Client.Hostname, reply.encode())
}

func (n *Nexus) handleConnectReply(p mgmtPacket) {
	ep, num, ok := n.localDescriptor(&p)
	if !ok {
		return
	}
	ep.handleConnectReply(num, p)
}

func (n *Nexus) handleDisconnectReq(p mgmtPacket) {
	ep, num, ok := n.localDescriptor(&p)
	if !ok {
		return
	}
	ep.handleDisconnectReq(num, p)
}

func (n *Nexus) handleDisconnectReply(p mgmtPacket) {
	ep, num, ok := n.localDescriptor(&p)
	if !ok {
		return
	}
	ep.handleDisconnectReply(num)
}

// Close stops the shared BackgroundPool. Call after every Endpoint created
// from n has been closed. It does not close the management transport: that
// transport is frequently the same instance as one of n's Endpoints' data
// transports (as in the loopback and UDP test harnesses), and is already
// closed by that Endpoint's own Close call.
func (n *Nexus) Close() {
	n.bgPool.Close()
}
