// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport defines the narrow capability set the xrpc core
// consumes from a concrete NIC path (spec §4.5, §9): memory registration,
// posted send/receive work requests, completion polling, and a side-channel
// datagram send/receive pair for session management.
//
// The core is generic over [Transport]; concrete transports (kernel-bypass
// NIC, RDMA, UDP) are external collaborators. This package ships two
// reference implementations — [loopback] for deterministic unit tests and
// [udp] for a real end-to-end path — satisfying the design note that the
// core must be usable with at least two concrete transports in tests.
//
// All operations are non-blocking by contract: they return
// [code.hybscloud.com/iox.ErrWouldBlock] when they cannot make progress,
// mirroring the teacher's session-dispatch contract.
package transport

// CQEventKind distinguishes a send-completion from a receive event in a
// unified completion queue, RDMA-style.
type CQEventKind uint8

const (
	// CQSend reports that a previously posted send has completed.
	CQSend CQEventKind = iota
	// CQRecv reports that data arrived into a previously posted receive buffer.
	CQRecv
)

// SendWR is a posted send work request. Token is an opaque caller-chosen
// value echoed back on the matching [CQEvent] (the xrpc core leaves it
// zero). Dest addresses the remote endpoint's
// hostname: the transport is datagram-oriented (unreliable-datagram style,
// as eRPC uses over RDMA UD queue pairs), not a bytestream per remote.
type SendWR struct {
	Token uint64
	Dest  string
	Data  []byte
}

// RecvWR is a posted receive work request: an empty registered buffer the
// transport may fill in and report back via a CQRecv [CQEvent].
type RecvWR struct {
	Token uint64
	Buf   []byte
}

// CQEvent reports completion of a previously posted send or receive.
type CQEvent struct {
	Token uint64
	Kind  CQEventKind
	N     int // valid bytes written into the RecvWR's Buf, for CQRecv
	Err   error
}

// MgmtDatagram is one inbound management-channel datagram (spec §6).
type MgmtDatagram struct {
	From    string // peer hostname, as addressed; the udp transport leaves it empty
	Payload []byte
}

// MgmtTransport is the narrow capability set a Nexus needs for the
// management side channel (spec §3, §6): exactly one of these is owned per
// process, shared by every Endpoint the Nexus hosts, while each Endpoint
// separately owns a full Transport for its own data plane. Every concrete
// Transport below also satisfies MgmtTransport, so in tests and the demo
// harness the same transport instance can back both roles at once.
type MgmtTransport interface {
	// SendMgmt sends a single management datagram to hostname over the
	// unreliable side channel (spec §4.1, §6).
	SendMgmt(hostname string, payload []byte) error
	// PollMgmt drains up to max inbound management datagrams without
	// blocking. Returns iox.ErrWouldBlock if none are ready.
	PollMgmt(max int) ([]MgmtDatagram, error)
	// LocalHostname returns this process's addressable hostname.
	LocalHostname() string
	// Close releases the transport's resources. Idempotent.
	Close() error
}

// Transport is the capability set the xrpc core requires. Implementations
// must be safe for single-writer use: the core never calls a Transport's
// methods from more than one goroutine concurrently for a given instance.
type Transport interface {
	// RegisterMR registers buf for use as a send/receive buffer, returning
	// an opaque handle threaded back through DeregisterMR. May be a no-op
	// returning nil for transports with no registration step (e.g. UDP).
	RegisterMR(buf []byte) (handle any, err error)
	// DeregisterMR releases a handle returned by RegisterMR.
	DeregisterMR(handle any)

	// PostSend submits a batch of sends. Returns the number accepted; a
	// short count is not an error. Returns iox.ErrWouldBlock if none of the
	// batch could be accepted right now.
	PostSend(wrs []SendWR) (posted int, err error)
	// PostRecv submits a batch of receive buffers the transport may later
	// fill in and report via PollCQ.
	PostRecv(wrs []RecvWR) (posted int, err error)
	// PollCQ drains up to max completion events without blocking. Returns
	// iox.ErrWouldBlock (not an error) if none are ready.
	PollCQ(max int) ([]CQEvent, error)

	// SendMgmt sends a single management datagram to hostname over the
	// unreliable side channel (spec §4.1, §6).
	SendMgmt(hostname string, payload []byte) error
	// PollMgmt drains up to max inbound management datagrams without
	// blocking. Returns iox.ErrWouldBlock if none are ready.
	PollMgmt(max int) ([]MgmtDatagram, error)

	// LocalHostname returns this transport's addressable hostname, used to
	// populate EndpointDescriptor.Hostname in management packets.
	LocalHostname() string

	// Close releases all transport resources. Idempotent.
	Close() error
}
