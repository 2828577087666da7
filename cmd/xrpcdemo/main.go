// xrpcdemo starts two endpoints over the UDP transport, connects a client
// session to a server session, and drives one echo request end to end.
//
// Run:  go run ./cmd/xrpcdemo
package main

import (
	"fmt"
	"log"
	"time"

	"code.hybscloud.com/xrpc"
	"code.hybscloud.com/xrpc/transport/udp"
)

const reqTypeEcho = 1

func main() {
	peerA, err := udp.ResolveStaticPeer("127.0.0.1:28401", "127.0.0.1:28411")
	if err != nil {
		log.Fatalf("resolve host-a: %v", err)
	}
	peerB, err := udp.ResolveStaticPeer("127.0.0.1:28402", "127.0.0.1:28412")
	if err != nil {
		log.Fatalf("resolve host-b: %v", err)
	}
	resolve := udp.StaticResolver(map[string]udp.PeerAddr{
		"host-a": peerA,
		"host-b": peerB,
	})

	trA, err := udp.New("host-a", "127.0.0.1:28401", "127.0.0.1:28411", resolve)
	if err != nil {
		log.Fatalf("transport A: %v", err)
	}
	trB, err := udp.New("host-b", "127.0.0.1:28402", "127.0.0.1:28412", resolve)
	if err != nil {
		log.Fatalf("transport B: %v", err)
	}
	defer trA.Close()
	defer trB.Close()

	// One Nexus per simulated host (spec §6), each addressed at its own
	// hostname and owning that host's UDP transport as its management
	// channel; the same transport instance also backs the Endpoint's data
	// plane it later creates.
	nexusA := xrpc.NewNexus("host-a", trA, xrpc.DefaultBgThreads)
	nexusB := xrpc.NewNexus("host-b", trB, xrpc.DefaultBgThreads)
	defer nexusA.Close()
	defer nexusB.Close()

	err = nexusB.RegisterReqFunc(reqTypeEcho, xrpc.ClassFgTerminal, func(c *xrpc.Call) {
		if err := c.EnqueueResponse(c.Request(), true); err != nil {
			log.Printf("[host-b] echo respond error: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("RegisterReqFunc: %v", err)
	}

	epA := nexusA.CreateEndpoint(xrpc.DefaultConfig(), trA)
	epB := nexusB.CreateEndpoint(xrpc.DefaultConfig(), trB)
	defer epA.Close()
	defer epB.Close()

	// A single goroutine drives both endpoints' polling loops and issues
	// the request, matching the package's single-threaded cooperative model
	// (EnqueueRequest and RunEventLoopOnce must share a caller goroutine).
	session, err := epA.CreateSession("host-b", epB.ID())
	if err != nil {
		log.Fatalf("CreateSession: %v", err)
	}

	reqBuf, err := epA.AllocMsgBuffer(5)
	if err != nil {
		log.Fatalf("AllocMsgBuffer: %v", err)
	}
	copy(reqBuf.Bytes(), []byte("hello"))

	done := make(chan struct{})
	requested := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		epA.RunEventLoopOnce()
		epB.RunEventLoopOnce()

		if !requested && session.State() == xrpc.StateConnected {
			requested = true
			err = epA.EnqueueRequest(session, reqTypeEcho, reqBuf, func(rh *xrpc.RespHandle) {
				if rh.Status() != xrpc.StatusOK {
					fmt.Printf("request failed: %s\n", rh.Status())
				} else {
					fmt.Printf("echo reply: %q\n", rh.Buffer().Bytes())
				}
				epA.ReleaseResponse(rh)
				close(done)
			}, 0)
			if err != nil {
				log.Fatalf("EnqueueRequest: %v", err)
			}
		}

		select {
		case <-done:
			_ = epA.DestroySession(session)
			return
		default:
		}
	}
	log.Println("timed out waiting for echo reply")
}
