// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xrpc

import "code.hybscloud.com/atomix"

// WheelEntry is a pacer token referencing one outbound packet, either one
// packet of a client-originated request (Slot non-nil) or one packet of a
// server-side response (RespJob non-nil) — spec §4.3's pacing applies to
// egress generally, not only to request traffic. Entries live in a
// TimingWheel bucket's singly-linked list, drawn from a preallocated free
// list.
type WheelEntry struct {
	Session *Session // client-role session, set iff Slot != nil
	Slot    *Slot
	RespJob *respJob
	PktIndex int

	next int // index into TimingWheel.entries, -1 if none
}

// IsRequest reports whether e carries a request packet (as opposed to a
// response packet).
func (e WheelEntry) IsRequest() bool { return e.Slot != nil }

// TimingWheel is a ring of B buckets, each covering w wall-time units,
// realizing rate-paced transmission (spec §4.3). Touched only by its
// owning Endpoint's polling goroutine — no internal locking.
type TimingWheel struct {
	buckets []int // head index into entries, per bucket; -1 if empty
	entries []WheelEntry
	freeHd  int // head of the free list, -1 if exhausted (grows on demand)

	curIdx         int   // physical array index of the "current" bucket
	baseTsc        int64 // ns timestamp aligned to the start of bucket curIdx
	bucketWidthTsc int64 // ns per bucket (w)
	horizon        int64 // ns horizon covered (B * w)

	ready []WheelEntry // drained entries in FIFO arrival order

	// horizonExceeded counts inserts clamped to the last bucket because
	// desired_tsc was beyond the horizon (spec §4.3: "wheel-too-short").
	// atomix because a diagnostics goroutine may read it concurrently
	// with the owning goroutine's writes.
	horizonExceeded atomix.Uint64
}

// newTimingWheel creates a wheel with numBuckets buckets of bucketWidthNs
// nanoseconds each, anchored so that "now" falls at the start of bucket 0.
func newTimingWheel(numBuckets int, bucketWidthNs int64, now int64) *TimingWheel {
	w := &TimingWheel{
		buckets:        make([]int, numBuckets),
		bucketWidthTsc: bucketWidthNs,
		horizon:        int64(numBuckets) * bucketWidthNs,
		baseTsc:        now,
		freeHd:         -1,
	}
	for i := range w.buckets {
		w.buckets[i] = -1
	}
	w.grow(numBuckets * 4)
	return w
}

// grow appends n fresh entries onto the free list.
func (w *TimingWheel) grow(n int) {
	start := len(w.entries)
	w.entries = append(w.entries, make([]WheelEntry, n)...)
	for i := start; i < len(w.entries); i++ {
		w.entries[i].next = w.freeHd
		w.freeHd = i
	}
}

func (w *TimingWheel) allocEntry() int {
	if w.freeHd == -1 {
		w.grow(len(w.buckets))
	}
	i := w.freeHd
	w.freeHd = w.entries[i].next
	return i
}

func (w *TimingWheel) freeEntry(i int) {
	w.entries[i].next = w.freeHd
	w.freeHd = i
}

// Insert places entry into the bucket covering desiredTsc (spec §4.3): if
// desiredTsc is in the past or within the current bucket, it goes to the
// current bucket; if beyond the horizon, it goes to the last bucket
// (clamped), and HorizonExceededCount is incremented.
func (w *TimingWheel) Insert(entry WheelEntry, desiredTsc int64) {
	var deltaBuckets int64
	if desiredTsc >= w.baseTsc+w.bucketWidthTsc {
		deltaBuckets = (desiredTsc - w.baseTsc) / w.bucketWidthTsc
	}
	numBuckets := int64(len(w.buckets))
	if deltaBuckets >= numBuckets {
		deltaBuckets = numBuckets - 1
		w.horizonExceeded.Add(1)
	}
	bi := int((int64(w.curIdx) + deltaBuckets) % numBuckets)

	idx := w.allocEntry()
	w.entries[idx].Session = entry.Session
	w.entries[idx].Slot = entry.Slot
	w.entries[idx].RespJob = entry.RespJob
	w.entries[idx].PktIndex = entry.PktIndex
	w.entries[idx].next = w.buckets[bi]
	w.buckets[bi] = idx
}

// Reap advances baseTsc forward one bucket at a time while
// now >= baseTsc+w, draining every bucket crossed into the ready queue in
// FIFO order across buckets (spec §4.3, testable property 4: after Reap,
// no bucket with bucket_tsc <= now-w is non-empty).
func (w *TimingWheel) Reap(now int64) {
	for now >= w.baseTsc+w.bucketWidthTsc {
		w.drainBucket(w.curIdx)
		w.curIdx = (w.curIdx + 1) % len(w.buckets)
		w.baseTsc += w.bucketWidthTsc
	}
}

func (w *TimingWheel) drainBucket(bi int) {
	i := w.buckets[bi]
	w.buckets[bi] = -1
	// Bucket entries are a LIFO-built singly linked list; reverse on drain
	// so append order matches arrival (insert) order within the bucket.
	var chain []int
	for i != -1 {
		chain = append(chain, i)
		i = w.entries[i].next
	}
	for k := len(chain) - 1; k >= 0; k-- {
		idx := chain[k]
		w.ready = append(w.ready, w.entries[idx])
		w.freeEntry(idx)
	}
}

// DrainReady returns every entry reaped since the last DrainReady call and
// clears the ready queue. Per spec §9's resolved open question, the caller
// must reap, then for each returned entry either transmit it or re-insert
// it via Insert(entry, now) — never insert a fresh packet and pop a ready
// one in the same step without this accounting.
func (w *TimingWheel) DrainReady() []WheelEntry {
	if len(w.ready) == 0 {
		return nil
	}
	out := w.ready
	w.ready = nil
	return out
}

// HorizonExceededCount returns the number of inserts clamped to the wheel's
// last bucket because the desired timestamp exceeded the horizon. Exposed
// for external tuning (spec §4.3).
func (w *TimingWheel) HorizonExceededCount() uint64 {
	return w.horizonExceeded.Load()
}

// BucketWidthNs returns the wheel's configured bucket width in nanoseconds.
func (w *TimingWheel) BucketWidthNs() int64 { return w.bucketWidthTsc }
