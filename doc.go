// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package xrpc is a user-space datagram RPC runtime for lossless or
// near-lossless high-speed fabrics. It provides connection-oriented
// logical sessions between peer endpoints and, over each session,
// request/response exchanges with per-session credit-based flow control
// and per-endpoint rate-paced transmission.
//
// # Architecture
//
//   - Nexus: per-process registry and management-message transport hosting
//     one or more [Endpoint]s. [NewNexus] creates one.
//   - Endpoint: a polling-thread-bound handle owning a set of [Session]s, a
//     [TimingWheel] for pacing, and the queues that feed its Nexus's shared
//     [BackgroundPool] for handlers marked non-latency-critical.
//   - Session: a half-duplex client/server pair with a bounded in-flight
//     window of [Slot]s and credit-gated transmission.
//   - Transport: a narrow capability interface ([transport.Transport])
//     the core consumes and never allocates the concrete NIC path for.
//
// # Data flow
//
// A request travels: user calls [Endpoint.EnqueueRequest], a [Slot] is
// allocated, its first packet is inserted into the [TimingWheel] at a
// computed send timestamp, the transport transmits it, the peer's
// registered handler runs (foreground or background), the response
// travels back, and the originating Endpoint's dispatch loop invokes the
// request's continuation, which frees the Slot by calling
// [Endpoint.ReleaseResponse].
//
// Management flow (session create/destroy) travels over a separate,
// unreliable datagram side channel with its own idempotent retransmit
// timer; see [Endpoint.CreateSession] and [Endpoint.DestroySession].
//
// # Concurrency
//
// One goroutine per Endpoint runs [Endpoint.RunEventLoopOnce] in a spin
// loop: reap the wheel, drain the background-pool reply mailbox, poll the
// transport, dispatch, transmit. Background-class handlers run on a
// [BackgroundPool] worker and communicate with the polling goroutine only
// through lock-free SPSC queues from [code.hybscloud.com/lfq].
package xrpc
