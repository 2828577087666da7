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

const reqTypeEcho uint8 = 1

// TestConnectAndEcho exercises the basic happy path: a client session
// connects, sends one request, and receives the registered echo handler's
// reply via its continuation. Also checks the session-management callback
// fires exactly once with SessionEventConnected.
func TestConnectAndEcho(t *testing.T) {
	skipRace(t)
	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, "echo-a", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "echo-b", 2)
	err := nexusB.RegisterReqFunc(reqTypeEcho, xrpc.ClassFgTerminal, func(c *xrpc.Call) {
		if err := c.EnqueueResponse(c.Request(), true); err != nil {
			t.Errorf("EnqueueResponse: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("RegisterReqFunc: %v", err)
	}
	epA := nexusA.CreateEndpoint(xrpc.DefaultConfig(), nodeA)
	epB := nexusB.CreateEndpoint(xrpc.DefaultConfig(), nodeB)
	defer epA.Close()
	defer epB.Close()

	connectedEvents := 0
	epA.OnSessionEvent(func(_ xrpc.SessionNumber, ev xrpc.SessionEvent, status xrpc.Status) {
		if ev == xrpc.SessionEventConnected && status == xrpc.StatusOK {
			connectedEvents++
		}
	})

	session := connectSession(t, epA, epB, "echo-b")

	reqBuf, err := epA.AllocMsgBuffer(5)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	copy(reqBuf.Bytes(), []byte("hello"))

	done := make(chan struct{})
	var gotStatus xrpc.Status
	var gotBody string
	err = epA.EnqueueRequest(session, reqTypeEcho, reqBuf, func(rh *xrpc.RespHandle) {
		gotStatus = rh.Status()
		if rh.Buffer() != nil {
			gotBody = string(rh.Buffer().Bytes())
		}
		epA.ReleaseResponse(rh)
		close(done)
	}, 42)
	if err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}

	pumpUntil(t, 2*time.Second, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, epA, epB)

	if gotStatus != xrpc.StatusOK {
		t.Fatalf("status = %s, want ok", gotStatus)
	}
	if gotBody != "hello" {
		t.Fatalf("body = %q, want %q", gotBody, "hello")
	}
	if connectedEvents != 1 {
		t.Fatalf("connected events = %d, want 1", connectedEvents)
	}
}

// TestDisconnectAfterConnected drives a normal teardown: destroy a connected
// session and confirm it settles to Disconnected on both sides and is
// removed from each Endpoint's session table.
func TestDisconnectAfterConnected(t *testing.T) {
	skipRace(t)
	net, epA, epB := newLoopbackPair(t, "disc-a", "disc-b")
	defer epA.Close()
	defer epB.Close()
	_ = net

	session := connectSession(t, epA, epB, "disc-b")
	if err := epA.DestroySession(session); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}

	pumpUntil(t, 2*time.Second, func() bool {
		return session.State() == xrpc.StateDisconnected
	}, epA, epB)

	if epA.Session(session.Number()) != nil {
		t.Fatal("client session still present after disconnect")
	}
}

// TestManagementRetransmit is scenario S4: the first connect-reply is
// dropped on the wire; the client must retransmit its connect-req after
// MgmtRetransMs and the session still reaches Connected, with the
// session-management callback firing exactly once.
func TestManagementRetransmit(t *testing.T) {
	skipRace(t)
	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, "retrans-a", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "retrans-b", 2)

	cfg := xrpc.DefaultConfig()
	cfg.MgmtRetransMs = 1
	epA := nexusA.CreateEndpoint(cfg, nodeA)
	epB := nexusB.CreateEndpoint(cfg, nodeB)
	defer epA.Close()
	defer epB.Close()

	// The connect-reply is sent by B, so the drop rule belongs on B's node:
	// SendMgmt evaluates the rule installed on the sending side.
	var dropsLeft = 1
	nodeB.SetDropRule(func(from, to string, payload []byte) bool {
		if to != "retrans-a" || dropsLeft == 0 {
			return false
		}
		dropsLeft--
		return true
	})

	connectedEvents := 0
	epA.OnSessionEvent(func(_ xrpc.SessionNumber, ev xrpc.SessionEvent, status xrpc.Status) {
		if ev == xrpc.SessionEventConnected {
			connectedEvents++
		}
	})

	session, err := epA.CreateSession("retrans-b", epB.ID())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Give the retransmit threshold time to elapse across polling
	// iterations; the session must still reach Connected despite the
	// dropped first reply.
	time.Sleep(2 * time.Millisecond)
	pumpUntil(t, 2*time.Second, func() bool {
		return session.State() == xrpc.StateConnected
	}, epA, epB)

	if connectedEvents != 1 {
		t.Fatalf("connected events = %d, want 1", connectedEvents)
	}
}

// TestDestroyBeforeConnect is scenario S5: the user destroys a session
// while its connect handshake is still in flight. It must pass through
// disconnect-wait-for-connect, then (once the deferred connect-reply
// arrives) disconnect-in-progress, and finally disconnected, ending up
// absent from both endpoints' session tables.
func TestDestroyBeforeConnect(t *testing.T) {
	skipRace(t)
	net, epA, epB := newLoopbackPair(t, "early-a", "early-b")
	defer epA.Close()
	defer epB.Close()
	_ = net

	session, err := epA.CreateSession("early-b", epB.ID())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.State() != xrpc.StateConnectInProgress {
		t.Fatalf("state = %s, want connect-in-progress", session.State())
	}

	if err := epA.DestroySession(session); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	if session.State() != xrpc.StateDisconnectWaitForConnect {
		t.Fatalf("state = %s, want disconnect-wait-for-connect", session.State())
	}

	pumpUntil(t, 2*time.Second, func() bool {
		return session.State() == xrpc.StateDisconnected
	}, epA, epB)

	if epA.Session(session.Number()) != nil {
		t.Fatal("client session still present after disconnect")
	}
}

// TestConnectInvalidRemote is spec §7's invalid-remote connect error: a
// connect-req naming an EndpointID the target Nexus never registered fails
// the handshake with StatusInvalidRemote rather than hanging.
func TestConnectInvalidRemote(t *testing.T) {
	skipRace(t)
	net, epA, epB := newLoopbackPair(t, "badremote-a", "badremote-b")
	defer epA.Close()
	defer epB.Close()
	_ = net

	unregistered := epB.ID() + 1
	session, err := epA.CreateSession("badremote-b", unregistered)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	pumpUntil(t, 2*time.Second, func() bool {
		return session.State() == xrpc.StateDisconnected
	}, epA, epB)
}

// TestConnectNoSessions is spec §7's no-sessions connect error: once a
// target Endpoint's cfg.MaxSessions is exhausted, a connect-req from a new
// client fails with StatusNoSessions.
func TestConnectNoSessions(t *testing.T) {
	skipRace(t)
	net := loopback.NewNetwork()
	nexusA1, nodeA1 := newLoopbackHost(t, net, "cap-a1", 2)
	nexusA2, nodeA2 := newLoopbackHost(t, net, "cap-a2", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "cap-b", 2)

	cfg := xrpc.DefaultConfig()
	cfg.MaxSessions = 1
	epA1 := nexusA1.CreateEndpoint(xrpc.DefaultConfig(), nodeA1)
	epA2 := nexusA2.CreateEndpoint(xrpc.DefaultConfig(), nodeA2)
	epB := nexusB.CreateEndpoint(cfg, nodeB)
	defer epA1.Close()
	defer epA2.Close()
	defer epB.Close()

	firstSession := connectSession(t, epA1, epB, "cap-b")
	if firstSession.State() != xrpc.StateConnected {
		t.Fatalf("first session state = %s, want connected", firstSession.State())
	}

	secondSession, err := epA2.CreateSession("cap-b", epB.ID())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	pumpUntil(t, 2*time.Second, func() bool {
		return secondSession.State() == xrpc.StateDisconnected
	}, epA2, epB)
}

// TestConnectTransportMismatch is spec §7's transport-mismatch connect
// error: a client and server Endpoint disagreeing on cfg.TransportType
// fail the handshake with StatusTransportMismatch.
func TestConnectTransportMismatch(t *testing.T) {
	skipRace(t)
	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, "mismatch-a", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "mismatch-b", 2)

	cfgA := xrpc.DefaultConfig()
	cfgA.TransportType = 1
	cfgB := xrpc.DefaultConfig()
	cfgB.TransportType = 2
	epA := nexusA.CreateEndpoint(cfgA, nodeA)
	epB := nexusB.CreateEndpoint(cfgB, nodeB)
	defer epA.Close()
	defer epB.Close()

	session, err := epA.CreateSession("mismatch-b", epB.ID())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	pumpUntil(t, 2*time.Second, func() bool {
		return session.State() == xrpc.StateDisconnected
	}, epA, epB)
}
