// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package loopback is an in-process [transport.Transport] connecting
// Endpoints in the same process without a socket. It exists for
// deterministic unit tests (spec §8 S1-S6): in particular it lets tests
// inject drops of individual management datagrams, which a real socket
// makes hard to arrange reliably. It has no delay injection.
package loopback

import (
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/xrpc/transport"
)

// Network is a shared in-process registry of hostnames to [Node]s. Tests
// create one Network and attach one Node per simulated host.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

// NewNetwork creates an empty loopback network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Node)}
}

// NewNode creates and registers a Node named hostname on net.
func (net *Network) NewNode(hostname string) *Node {
	n := &Node{
		net:      net,
		hostname: hostname,
	}
	net.mu.Lock()
	net.nodes[hostname] = n
	net.mu.Unlock()
	return n
}

func (net *Network) lookup(hostname string) *Node {
	net.mu.Lock()
	defer net.mu.Unlock()
	return net.nodes[hostname]
}

// datagram is one queued management or data message.
type datagram struct {
	from string
	data []byte
}

// DropRule decides whether to drop a management datagram about to be
// delivered to its destination; used by tests to simulate loss (S4).
// Returning true drops the datagram silently.
type DropRule func(from, to string, payload []byte) bool

// Node is one simulated host's transport instance.
type Node struct {
	net      *Network
	hostname string

	mu       sync.Mutex
	mgmtQ    []datagram
	dataQ    []datagram
	recvBufs []transport.RecvWR
	sendCQ   []transport.CQEvent

	dropMu sync.Mutex
	drop   DropRule

	closed bool
}

// errNoSuchHost is returned by SendMgmt/dropped silently by PostSend when
// the destination hostname has no registered Node.
var errNoSuchHost = &hostError{}

type hostError struct{}

func (*hostError) Error() string { return "loopback: no such host" }

var _ transport.Transport = (*Node)(nil)

// SetDropRule installs a rule evaluated against every management datagram
// this node is about to deliver to a peer. Pass nil to clear it.
func (n *Node) SetDropRule(rule DropRule) {
	n.dropMu.Lock()
	n.drop = rule
	n.dropMu.Unlock()
}

func (n *Node) shouldDrop(from, to string, payload []byte) bool {
	n.dropMu.Lock()
	rule := n.drop
	n.dropMu.Unlock()
	if rule == nil {
		return false
	}
	return rule(from, to, payload)
}

// LocalHostname implements transport.Transport.
func (n *Node) LocalHostname() string { return n.hostname }

// RegisterMR implements transport.Transport. Loopback needs no registration
// step; it simply shares the Go slice's backing array, so the handle is nil.
func (n *Node) RegisterMR(buf []byte) (any, error) { return nil, nil }

// DeregisterMR implements transport.Transport.
func (n *Node) DeregisterMR(handle any) {}

// SendMgmt implements transport.Transport.
func (n *Node) SendMgmt(hostname string, payload []byte) error {
	peer := n.net.lookup(hostname)
	if peer == nil {
		return errNoSuchHost
	}
	if n.shouldDrop(n.hostname, hostname, payload) {
		return nil // silently dropped, as a lossy datagram channel would
	}
	cp := append([]byte(nil), payload...)
	peer.mu.Lock()
	peer.mgmtQ = append(peer.mgmtQ, datagram{from: n.hostname, data: cp})
	peer.mu.Unlock()
	return nil
}

// PollMgmt implements transport.Transport.
func (n *Node) PollMgmt(max int) ([]transport.MgmtDatagram, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.mgmtQ) == 0 {
		return nil, iox.ErrWouldBlock
	}
	k := max
	if k <= 0 || k > len(n.mgmtQ) {
		k = len(n.mgmtQ)
	}
	out := make([]transport.MgmtDatagram, k)
	for i := 0; i < k; i++ {
		out[i] = transport.MgmtDatagram{From: n.mgmtQ[i].from, Payload: n.mgmtQ[i].data}
	}
	n.mgmtQ = n.mgmtQ[k:]
	return out, nil
}

// PostSend implements transport.Transport: each WR is delivered directly
// into the destination node's data queue, and a CQSend completion for it
// becomes visible on the next PollCQ call.
func (n *Node) PostSend(wrs []transport.SendWR) (int, error) {
	if len(wrs) == 0 {
		return 0, nil
	}
	posted := 0
	for _, wr := range wrs {
		peer := n.net.lookup(wr.Dest)
		if peer == nil {
			continue
		}
		cp := append([]byte(nil), wr.Data...)
		peer.mu.Lock()
		peer.dataQ = append(peer.dataQ, datagram{from: n.hostname, data: cp})
		peer.mu.Unlock()

		n.mu.Lock()
		n.sendCQ = append(n.sendCQ, transport.CQEvent{Token: wr.Token, Kind: transport.CQSend})
		n.mu.Unlock()
		posted++
	}
	if posted == 0 {
		return 0, iox.ErrWouldBlock
	}
	return posted, nil
}

// PostRecv implements transport.Transport: buffers are matched to queued
// inbound data in FIFO order as PollCQ is called.
func (n *Node) PostRecv(wrs []transport.RecvWR) (int, error) {
	n.mu.Lock()
	n.recvBufs = append(n.recvBufs, wrs...)
	n.mu.Unlock()
	return len(wrs), nil
}

// PollCQ implements transport.Transport.
func (n *Node) PollCQ(max int) ([]transport.CQEvent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []transport.CQEvent
	for len(n.sendCQ) > 0 && (max <= 0 || len(out) < max) {
		out = append(out, n.sendCQ[0])
		n.sendCQ = n.sendCQ[1:]
	}
	for len(n.dataQ) > 0 && len(n.recvBufs) > 0 && (max <= 0 || len(out) < max) {
		dg := n.dataQ[0]
		n.dataQ = n.dataQ[1:]
		wr := n.recvBufs[0]
		n.recvBufs = n.recvBufs[1:]
		nCopied := copy(wr.Buf, dg.data)
		out = append(out, transport.CQEvent{Token: wr.Token, Kind: transport.CQRecv, N: nCopied})
	}
	if len(out) == 0 {
		return nil, iox.ErrWouldBlock
	}
	return out, nil
}

// Close implements transport.Transport.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.net.mu.Lock()
	delete(n.net.nodes, n.hostname)
	n.net.mu.Unlock()
	n.closed = true
	return nil
}
