package apm

import "sync/atomic"

// defaultShardQueueCapacity bounds each shard's backlog. Must be a power
// of two for the slot-sequencing math below.
const defaultShardQueueCapacity = 4096

// sampleItem is one RTT observation in flight between Update (producer)
// and the aggregator (consumer): which server it belongs to, the jiffy
// timestamp its originating request actually completed at, and the
// value itself (spec.md §4.3 queue item shape
// {server_ref, jtstamp, rtt_ms}). jtstamp travels with the sample rather
// than being stamped at drain time, so a sample that sat queued through
// a backlog or a GC pause still lands in the ring buffer slot it
// actually belongs to (spec.md §8 scenario 6).
type sampleItem struct {
	data    *ApmData
	jtstamp uint64
	rtt     uint32
}

// shardQueue is a bounded, lock-free, multi-producer/single-consumer
// queue — the per-CPU ingest queue of spec.md §4.3 (C4), approximated in
// Go by N logical shards rather than true CPU pinning, since Go exposes
// no portable API for a goroutine to learn or fix which CPU it runs on
// (documented design decision, spec.md §9 open question). The slot
// sequencing is the standard Vyukov bounded MPMC queue algorithm: each
// slot carries its own sequence counter so producers and the single
// consumer never contend on a shared lock, only on a handful of atomic
// compare-and-swaps per operation.
type shardQueue struct {
	mask  uint64
	slots []queueSlot
	enq   atomic.Uint64
	deq   atomic.Uint64
}

type queueSlot struct {
	seq  atomic.Uint64
	item sampleItem
}

func newShardQueue(capacity int) *shardQueue {
	n := nextPow2(capacity)
	q := &shardQueue{mask: uint64(n - 1), slots: make([]queueSlot, n)}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

func nextPow2(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// push enqueues item, returning false if the shard is full. A false
// return means the caller must drop the sample and release its reference
// to data — the fast path never blocks (spec.md §4.3, §7).
func (q *shardQueue) push(item sampleItem) bool {
	pos := q.enq.Load()
	for {
		slot := &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if q.enq.CompareAndSwap(pos, pos+1) {
				slot.item = item
				slot.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		default:
			pos = q.enq.Load()
		}
	}
}

// pop dequeues the oldest item, returning false if the shard is empty.
// In this repo each shard has one consumer at a time (its drainWorker's
// goroutine during a tick, or aggregator.stop after the timer loop has
// exited), but pop is
// written to tolerate multiple consumers since nothing about the
// algorithm requires single-consumer.
func (q *shardQueue) pop() (sampleItem, bool) {
	pos := q.deq.Load()
	for {
		slot := &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if q.deq.CompareAndSwap(pos, pos+1) {
				item := slot.item
				slot.seq.Store(pos + q.mask + 1)
				return item, true
			}
		case diff < 0:
			return sampleItem{}, false
		default:
			pos = q.deq.Load()
		}
	}
}

// shardRouter spreads incoming samples across a fixed set of shardQueues
// via round robin, the Go-idiomatic substitute for per-CPU affinity
// (spec.md §4.3, §9). Round robin rather than a hash keeps any one
// server's bursts from concentrating on a single shard.
type shardRouter struct {
	shards []*shardQueue
	next   atomic.Uint64
}

func newShardRouter(numShards, capacityPerShard int) *shardRouter {
	if numShards < 1 {
		numShards = 1
	}
	r := &shardRouter{shards: make([]*shardQueue, numShards)}
	for i := range r.shards {
		r.shards[i] = newShardQueue(capacityPerShard)
	}
	return r
}

// push routes item to the next shard in round-robin order. Returns false
// if that shard was full.
func (r *shardRouter) push(item sampleItem) bool {
	idx := r.next.Add(1) % uint64(len(r.shards))
	return r.shards[idx].push(item)
}
