// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package udp is a [transport.Transport] backed by real net.UDPConn
// sockets: one for the data plane, one for the management side channel
// (spec §4.5, §6). Hostname resolution is an external collaborator (spec
// §1 places "hostname discovery" out of scope): callers supply a
// [Resolver].
package udp

import (
	"errors"
	"net"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/xrpc/transport"
)

// PeerAddr is one resolved peer's independent data-plane and
// management-plane socket addresses. The two planes are separate
// net.UDPConns (spec §4.5, §6) and there is no guarantee they share a port,
// so a hostname must resolve to both, not one address reused for each.
type PeerAddr struct {
	Data *net.UDPAddr
	Mgmt *net.UDPAddr
}

// Resolver maps a hostname to its peer's data-plane and management-plane
// addresses. Production deployments would back this with DNS or a
// membership service; tests can use a static map.
type Resolver func(hostname string) (PeerAddr, error)

// StaticResolver returns a Resolver backed by a fixed hostname->PeerAddr
// table, convenient for tests and the demo harness.
func StaticResolver(table map[string]PeerAddr) Resolver {
	return func(hostname string) (PeerAddr, error) {
		a, ok := table[hostname]
		if !ok {
			return PeerAddr{}, errUnknownHost
		}
		return a, nil
	}
}

// ResolveStaticPeer is a convenience for building one PeerAddr from a pair
// of "host:port" strings.
func ResolveStaticPeer(dataAddr, mgmtAddr string) (PeerAddr, error) {
	d, err := net.ResolveUDPAddr("udp", dataAddr)
	if err != nil {
		return PeerAddr{}, err
	}
	m, err := net.ResolveUDPAddr("udp", mgmtAddr)
	if err != nil {
		return PeerAddr{}, err
	}
	return PeerAddr{Data: d, Mgmt: m}, nil
}

var errUnknownHost = errors.New("udp: unknown hostname")

const maxDatagram = 64 * 1024

// Transport is a UDP-backed transport.Transport.
type Transport struct {
	hostname string
	resolve  Resolver

	dataConn *net.UDPConn
	mgmtConn *net.UDPConn

	mu       sync.Mutex
	recvBufs []transport.RecvWR
	dataCQ   []transport.CQEvent
	mgmtQ    []transport.MgmtDatagram

	closeOnce sync.Once
	stopCh    chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New binds a data-plane and a management-plane UDP socket on the given
// local addresses and starts background reader goroutines.
func New(hostname, dataAddr, mgmtAddr string, resolve Resolver) (*Transport, error) {
	dc, err := listenUDP(dataAddr)
	if err != nil {
		return nil, err
	}
	mc, err := listenUDP(mgmtAddr)
	if err != nil {
		dc.Close()
		return nil, err
	}
	t := &Transport{
		hostname: hostname,
		resolve:  resolve,
		dataConn: dc,
		mgmtConn: mc,
		stopCh:   make(chan struct{}),
	}
	go t.readLoop(t.dataConn, false)
	go t.readLoop(t.mgmtConn, true)
	return t, nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", a)
}

func (t *Transport) readLoop(conn *net.UDPConn, mgmt bool) {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				continue
			}
		}
		cp := append([]byte(nil), buf[:n]...)
		t.mu.Lock()
		if mgmt {
			t.mgmtQ = append(t.mgmtQ, transport.MgmtDatagram{Payload: cp})
		} else if len(t.recvBufs) > 0 {
			wr := t.recvBufs[0]
			t.recvBufs = t.recvBufs[1:]
			nCopied := copy(wr.Buf, cp)
			t.dataCQ = append(t.dataCQ, transport.CQEvent{Token: wr.Token, Kind: transport.CQRecv, N: nCopied})
		}
		t.mu.Unlock()
	}
}

// LocalHostname implements transport.Transport.
func (t *Transport) LocalHostname() string { return t.hostname }

// LocalAddrs returns the actual bound data-plane and management-plane
// addresses, letting a caller that bound to port 0 (OS-assigned) discover
// the real port before publishing it to a Resolver.
func (t *Transport) LocalAddrs() (data, mgmt *net.UDPAddr) {
	return t.dataConn.LocalAddr().(*net.UDPAddr), t.mgmtConn.LocalAddr().(*net.UDPAddr)
}

// RegisterMR implements transport.Transport; UDP needs no registration step.
func (t *Transport) RegisterMR(buf []byte) (any, error) { return nil, nil }

// DeregisterMR implements transport.Transport.
func (t *Transport) DeregisterMR(handle any) {}

// SendMgmt implements transport.Transport.
func (t *Transport) SendMgmt(hostname string, payload []byte) error {
	peer, err := t.resolve(hostname)
	if err != nil {
		return err
	}
	_, err = t.mgmtConn.WriteToUDP(payload, peer.Mgmt)
	return err
}

// PollMgmt implements transport.Transport.
func (t *Transport) PollMgmt(max int) ([]transport.MgmtDatagram, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.mgmtQ) == 0 {
		return nil, iox.ErrWouldBlock
	}
	k := max
	if k <= 0 || k > len(t.mgmtQ) {
		k = len(t.mgmtQ)
	}
	out := t.mgmtQ[:k]
	t.mgmtQ = t.mgmtQ[k:]
	return out, nil
}

// PostSend implements transport.Transport. UDP has no NIC completion queue,
// so a send's CQSend completion is synthesized once the datagram is handed
// to the kernel.
func (t *Transport) PostSend(wrs []transport.SendWR) (int, error) {
	posted := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, wr := range wrs {
		peer, err := t.resolve(wr.Dest)
		if err != nil {
			continue
		}
		if _, err := t.dataConn.WriteToUDP(wr.Data, peer.Data); err != nil {
			continue
		}
		t.dataCQ = append(t.dataCQ, transport.CQEvent{Token: wr.Token, Kind: transport.CQSend})
		posted++
	}
	if posted == 0 && len(wrs) > 0 {
		return 0, iox.ErrWouldBlock
	}
	return posted, nil
}

// PostRecv implements transport.Transport.
func (t *Transport) PostRecv(wrs []transport.RecvWR) (int, error) {
	t.mu.Lock()
	t.recvBufs = append(t.recvBufs, wrs...)
	t.mu.Unlock()
	return len(wrs), nil
}

// PollCQ implements transport.Transport.
func (t *Transport) PollCQ(max int) ([]transport.CQEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dataCQ) == 0 {
		return nil, iox.ErrWouldBlock
	}
	k := max
	if k <= 0 || k > len(t.dataCQ) {
		k = len(t.dataCQ)
	}
	out := t.dataCQ[:k]
	t.dataCQ = t.dataCQ[k:]
	return out, nil
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.stopCh) })
	err1 := t.dataConn.Close()
	err2 := t.mgmtConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
