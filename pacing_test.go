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

const reqTypePaced uint8 = 2

// TestWheelPacingRate is the wheel rate scenario (spec §8 S6, scaled down
// for test runtime): a single large multi-packet request is paced at a
// target byte rate, and the achieved end-to-end rate — measured from
// enqueue until the client's continuation sees the response — must land within a generous
// band around the target. The band is wider than the wheel's own accuracy
// because this measurement also includes reassembly and busy-poll
// scheduling overhead, not just the wheel's release timing.
func TestWheelPacingRate(t *testing.T) {
	skipRace(t)
	const numPackets = 2000
	const iterations = 3

	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, "pacing-a", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "pacing-b", 2)
	reassembled := make(chan struct{}, 1)
	err := nexusB.RegisterReqFunc(reqTypePaced, xrpc.ClassFgTerminal, func(c *xrpc.Call) {
		buf, allocErr := c.Endpoint().AllocMsgBuffer(0)
		if allocErr != nil {
			t.Errorf("alloc ack: %v", allocErr)
			return
		}
		if err := c.EnqueueResponse(buf, true); err != nil {
			t.Errorf("EnqueueResponse: %v", err)
		}
		reassembled <- struct{}{}
	})
	if err != nil {
		t.Fatalf("RegisterReqFunc: %v", err)
	}

	cfg := xrpc.DefaultConfig()
	cfg.MaxMsgSize = (numPackets + 1) * cfg.MTU
	epA := nexusA.CreateEndpoint(cfg, nodeA)
	epB := nexusB.CreateEndpoint(cfg, nodeB)
	defer epA.Close()
	defer epB.Close()

	session := connectSession(t, epA, epB, "pacing-b")

	const rate = 50_000_000.0 // bytes/sec
	epA.RateBytesPerSec = rate
	msgSize := numPackets * cfg.MTU
	wantSeconds := float64(msgSize) / rate

	for iter := 0; iter < iterations; iter++ {
		reqBuf, err := epA.AllocMsgBuffer(msgSize)
		if err != nil {
			t.Fatalf("AllocMsgBuffer: %v", err)
		}

		start := time.Now()
		completed := false
		err = epA.EnqueueRequest(session, reqTypePaced, reqBuf, func(rh *xrpc.RespHandle) {
			completed = true
			epA.ReleaseResponse(rh)
		}, 0)
		if err != nil {
			t.Fatalf("EnqueueRequest: %v", err)
		}

		pumpUntil(t, 30*time.Second, func() bool { return completed }, epA, epB)
		<-reassembled
		elapsed := time.Since(start).Seconds()

		// Pacing must actually slow things down (elapsed not far below the
		// target duration) without stalling indefinitely (elapsed not wildly
		// above it either).
		if elapsed < wantSeconds*0.3 {
			t.Errorf("iteration %d: completed in %.4fs, faster than pacing at %.0f B/s should allow (want >= %.4fs)", iter, elapsed, rate, wantSeconds*0.3)
		}
		if elapsed > wantSeconds*5 {
			t.Errorf("iteration %d: completed in %.4fs, far slower than the %.0f B/s target (want <= %.4fs)", iter, elapsed, rate, wantSeconds*5)
		}
	}
}

// TestWheelHorizonExceededCounter exercises the wheel's horizon-clamp path
// (property 4's complement: packets whose pacing target falls beyond the
// wheel's horizon are clamped into the last bucket rather than dropped or
// mis-scheduled, and the clamp is counted). A tiny wheel and a deliberately
// slow configured rate force every packet after the first of a multi-packet
// request past the horizon.
func TestWheelHorizonExceededCounter(t *testing.T) {
	skipRace(t)
	net := loopback.NewNetwork()
	nexusA, nodeA := newLoopbackHost(t, net, "horizon-a", 2)
	nexusB, nodeB := newLoopbackHost(t, net, "horizon-b", 2)
	err := nexusB.RegisterReqFunc(reqTypeEcho, xrpc.ClassFgTerminal, func(c *xrpc.Call) {
		_ = c.EnqueueResponse(c.Request(), true)
	})
	if err != nil {
		t.Fatalf("RegisterReqFunc: %v", err)
	}

	cfg := xrpc.DefaultConfig()
	cfg.WheelBuckets = 2
	cfg.WheelSlotWidthUs = 100 // 200us horizon
	epA := nexusA.CreateEndpoint(cfg, nodeA)
	epB := nexusB.CreateEndpoint(cfg, nodeB)
	defer epA.Close()
	defer epB.Close()

	session := connectSession(t, epA, epB, "horizon-b")

	epA.RateBytesPerSec = 1000 // gap per packet (~1s) dwarfs the 200us horizon
	const numPackets = 5
	reqBuf, err := epA.AllocMsgBuffer(numPackets * cfg.MTU)
	if err != nil {
		t.Fatalf("AllocMsgBuffer: %v", err)
	}

	before := epA.WheelHorizonExceededCount()
	if err := epA.EnqueueRequest(session, reqTypeEcho, reqBuf, func(*xrpc.RespHandle) {}, 0); err != nil {
		t.Fatalf("EnqueueRequest: %v", err)
	}
	after := epA.WheelHorizonExceededCount()
	if after == before {
		t.Fatalf("expected WheelHorizonExceededCount to increase from %d", before)
	}
}
