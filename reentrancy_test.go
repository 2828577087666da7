// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc_test

import (
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/xrpc"
	"code.hybscloud.com/xrpc/transport/loopback"
)

// TestReentrantEnqueueFreeSlotAtCallTime is universal property 6 (spec §8):
// a continuation that calls EnqueueRequest during dispatch must see whether
// a free slot exists at the moment of that call, not at the start of the
// polling iteration that is currently running. The test fills the session's
// entire window, confirms one more request is rejected for lack of a slot,
// then from inside the first completion's continuation releases that slot
// and immediately re-enqueues — which must succeed even though every slot
// was still occupied when this polling iteration began.
func TestReentrantEnqueueFreeSlotAtCallTime(t *testing.T) {
	skipRace(t)
	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, "reent-a", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "reent-b", 2)
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

	session := connectSession(t, epA, epB, "reent-b")

	cfg := xrpc.DefaultConfig()
	window := cfg.SessionReqWindow

	var completed int32
	var reentrantErr error
	var reentrantSucceeded atomic.Bool
	var reentrantDone atomic.Bool

	makeCont := func(reentrant bool) xrpc.Continuation {
		return func(rh *xrpc.RespHandle) {
			atomic.AddInt32(&completed, 1)
			if !reentrant {
				epA.ReleaseResponse(rh)
				return
			}
			epA.ReleaseResponse(rh)
			buf, allocErr := epA.AllocMsgBuffer(1)
			if allocErr != nil {
				reentrantErr = allocErr
				reentrantDone.Store(true)
				return
			}
			err := epA.EnqueueRequest(session, reqTypeEcho, buf, func(rh2 *xrpc.RespHandle) {
				atomic.AddInt32(&completed, 1)
				epA.ReleaseResponse(rh2)
			}, 0)
			reentrantErr = err
			reentrantSucceeded.Store(err == nil)
			reentrantDone.Store(true)
		}
	}

	for i := 0; i < window; i++ {
		buf, err := epA.AllocMsgBuffer(1)
		if err != nil {
			t.Fatalf("AllocMsgBuffer: %v", err)
		}
		if err := epA.EnqueueRequest(session, reqTypeEcho, buf, makeCont(i == 0), uintptr(i)); err != nil {
			t.Fatalf("EnqueueRequest #%d: %v", i, err)
		}
	}

	// The window is now full: one more request must be rejected.
	overflowBuf, err := epA.AllocMsgBuffer(1)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}
	if err := epA.EnqueueRequest(session, reqTypeEcho, overflowBuf, func(*xrpc.RespHandle) {}, 0); err == nil {
		t.Fatal("expected StatusNoFreeSlot with the window full")
	}

	pumpUntil(t, 2*time.Second, func() bool {
		return reentrantDone.Load()
	}, epA, epB)

	if reentrantErr != nil || !reentrantSucceeded.Load() {
		t.Fatalf("reentrant EnqueueRequest failed: %v", reentrantErr)
	}

	// Drain the rest so nothing is left outstanding at test end.
	pumpUntil(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&completed) >= int32(window+1)
	}, epA, epB)
}
