// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import (
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// bgActionKind distinguishes the two things a background worker hands back
// to the polling goroutine (spec §4.2: a ClassBackground handler, or a
// continuation it invoked reentrantly, may only act through this mailbox).
type bgActionKind uint8

const (
	actionRespond bgActionKind = iota
	actionEnqueueRequest
)

// bgAction is one item on a shard's reply queue, drained by the owning
// Endpoint at the start of its next polling iteration (spec §4.2's
// reentrancy contract: "from a background worker, deposited on a mailbox
// and drained at the next polling iteration").
type bgAction struct {
	kind bgActionKind

	// call is the originating Call for both kinds: actionRespond delivers
	// its response, and actionEnqueueRequest clears call.background once
	// applied (see applyBgAction) since the deferred request's continuation
	// will run on the polling goroutine from here on, not a pool worker.
	call *Call

	// actionRespond fields.
	buf      *MsgBuffer
	prealloc bool

	// actionEnqueueRequest fields.
	ep      *Endpoint
	session *Session
	reqType uint8
	reqBuf  *MsgBuffer
	cont    Continuation
	tag     uintptr
}

// bgWorkItem is one unit of work handed from an Endpoint's polling
// goroutine to a BackgroundPool shard (spec §4.2: ClassBackground handlers
// "run on a BackgroundPool worker and may block").
type bgWorkItem struct {
	call    *Call
	handler RequestHandler
}

// bgShard is one (inbound, reply) SPSC pair, dedicated to a single
// BackgroundPool worker index. The spec calls for "one MPMC input queue per
// Endpoint, one SPSC reply queue per Endpoint"; lfq exports only SPSC, so
// instead of reaching for an unavailable MPMC primitive each Endpoint keeps
// cfg.BgThreads independent shards and hashes a session to a shard (see
// shardFor) — preserving per-session FIFO order while every queue involved,
// in both directions, stays genuinely single-producer/single-consumer.
type bgShard struct {
	in    lfq.SPSC[bgWorkItem]
	reply lfq.SPSC[bgAction]
}

// shardFor picks the bgShard a given session's background work is pinned
// to, keeping everything for one session in FIFO order across the shard's
// single consumer.
func shardFor(shards []*bgShard, session SessionNumber) *bgShard {
	return shards[int(session)%len(shards)]
}

const bgShardQueueLen = 1024

// newBgShards allocates n shards, each with its queues initialized to
// bgShardQueueLen capacity (spec §6's bounded-queue sizing philosophy).
func newBgShards(n int) []*bgShard {
	shards := make([]*bgShard, n)
	for i := range shards {
		s := &bgShard{}
		s.in.Init(bgShardQueueLen)
		s.reply.Init(bgShardQueueLen)
		shards[i] = s
	}
	return shards
}

// bgIdleWait bounds how long a pool worker sleeps after finding every
// registered endpoint's shard empty, substituting for a condition variable
// the lock-free queues don't provide.
const bgIdleWait = 200 * time.Microsecond

// BackgroundPool runs a fixed number of worker goroutines, one per shard
// index, each servicing that shard index across every Endpoint registered
// with the pool (spec §4.2, §5's "worker-thread-bound" design note
// generalized to a shared pool serving many endpoints).
type BackgroundPool struct {
	workers int
	stop    chan struct{}
	done    chan struct{}

	mu  sync.RWMutex
	eps []*Endpoint
}

// NewBackgroundPool starts a pool with the given worker count. Workers are
// idle (parked in bgIdleWait sleeps) until at least one Endpoint registers.
func NewBackgroundPool(workers int) *BackgroundPool {
	if workers <= 0 {
		workers = DefaultBgThreads
	}
	p := &BackgroundPool{
		workers: workers,
		stop:    make(chan struct{}),
		done:    make(chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		go p.workerLoop(i)
	}
	return p
}

// Register makes ep's bgShards visible to the pool's workers. ep must have
// been created with BgThreads == p.workers.
func (p *BackgroundPool) Register(ep *Endpoint) {
	p.mu.Lock()
	p.eps = append(p.eps, ep)
	p.mu.Unlock()
}

// Unregister removes ep from the pool's service list. A work item a worker
// dequeues once ep.bgGone is set does not run its handler; the worker posts
// an empty response for it instead. No new item is dequeued from ep's
// shards after Unregister returns.
func (p *BackgroundPool) Unregister(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.eps {
		if e == ep {
			p.eps = append(p.eps[:i], p.eps[i+1:]...)
			return
		}
	}
}

// Close stops every worker goroutine and waits for them to exit.
func (p *BackgroundPool) Close() {
	close(p.stop)
	for i := 0; i < p.workers; i++ {
		<-p.done
	}
}

func (p *BackgroundPool) workerLoop(shardIdx int) {
	defer func() { p.done <- struct{}{} }()
	var bo iox.Backoff
	for {
		select {
		case <-p.stop:
			return
		default:
		}
		if p.serviceOnce(shardIdx) {
			bo.Reset()
			continue
		}
		bo.Wait()
	}
}

// serviceOnce dequeues and runs at most one work item per registered
// Endpoint's shardIdx shard, returning whether any progress was made.
func (p *BackgroundPool) serviceOnce(shardIdx int) bool {
	p.mu.RLock()
	eps := append([]*Endpoint(nil), p.eps...)
	p.mu.RUnlock()

	progressed := false
	for _, ep := range eps {
		shard := ep.bgShards[shardIdx]
		item, err := shard.in.Dequeue()
		if err != nil {
			continue // iox.ErrWouldBlock: shard empty
		}
		progressed = true
		p.run(ep, shard, item)
	}
	return progressed
}

func (p *BackgroundPool) run(ep *Endpoint, shard *bgShard, item bgWorkItem) {
	if ep.bgGone.Load() == 1 {
		enqueueReplyBlocking(shard, bgAction{kind: actionRespond, call: item.call})
		return
	}
	item.handler(item.call)
	if !item.call.responded {
		// A ClassBackground handler must respond before returning (spec
		// §4.2); treat a silent return as a no-reply so the client-side
		// slot does not wait forever for a response that will never come.
		_ = item.call.EnqueueResponse(nil, true)
	}
}

// enqueueReplyBlocking retries past iox.ErrWouldBlock with adaptive
// backoff, matching the teacher's own pattern (error.go, session.go) for
// pushing onto a bounded queue the consumer is guaranteed to keep draining.
func enqueueReplyBlocking(shard *bgShard, a bgAction) {
	var bo iox.Backoff
	for {
		if err := shard.reply.Enqueue(a); err == nil {
			return
		}
		bo.Wait()
	}
}
