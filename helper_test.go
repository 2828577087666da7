// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc_test

import (
	"testing"
	"time"

	"code.hybscloud.com/xrpc"
	"code.hybscloud.com/xrpc/transport/loopback"
)

// newLoopbackHost creates a Node named hostname on net and a Nexus addressed
// at that same hostname, using the Node as both the Nexus's management
// transport and (via the returned Node) the data transport for whatever
// Endpoint the caller creates from it — one Nexus per simulated host (spec
// §6: Nexus is addressed by its own hostname, not shared across hosts).
func newLoopbackHost(t testing.TB, net *loopback.Network, hostname string, bgThreads int) (*xrpc.Nexus, *loopback.Node) {
	t.Helper()
	node := net.NewNode(hostname)
	nexus := xrpc.NewNexus(hostname, node, bgThreads)
	t.Cleanup(func() { nexus.Close() })
	return nexus, node
}

// newLoopbackPair builds a loopback Network with two separate per-host
// Nexus/Node pairs, each with no handlers registered, and one Endpoint per
// host. It calls CreateEndpoint itself (which freezes each Nexus's handler
// table) and does not return the Nexus, so callers that need handlers use
// newLoopbackHost instead.
func newLoopbackPair(t testing.TB, hostA, hostB string) (*loopback.Network, *xrpc.Endpoint, *xrpc.Endpoint) {
	t.Helper()
	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, hostA, 2)
	nexusB, nodeB := newLoopbackHost(t, net, hostB, 2)
	epA := nexusA.CreateEndpoint(xrpc.DefaultConfig(), nodeA)
	epB := nexusB.CreateEndpoint(xrpc.DefaultConfig(), nodeB)
	return net, epA, epB
}

// pumpUntil runs RunEventLoopOnce on every ep in eps in a tight loop until
// cond returns true or timeout elapses, failing the test on timeout.
func pumpUntil(t testing.TB, timeout time.Duration, cond func() bool, eps ...*xrpc.Endpoint) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ep := range eps {
			ep.RunEventLoopOnce()
		}
		if cond() {
			return
		}
	}
	t.Fatalf("pumpUntil: condition not met within %s", timeout)
}

// connectSession originates a session from client to (remoteHostname,
// remoteEndpointID) and pumps both endpoints' loops until it settles into
// StateConnected.
func connectSession(t testing.TB, client, remote *xrpc.Endpoint, remoteHostname string) *xrpc.Session {
	t.Helper()
	s, err := client.CreateSession(remoteHostname, remote.ID())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	pumpUntil(t, 2*time.Second, func() bool {
		return s.State() == xrpc.StateConnected
	}, client, remote)
	return s
}
