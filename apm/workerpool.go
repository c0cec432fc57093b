package apm

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// drainWorker drains one shard queue once per aggregator tick, applying
// each sample to its server's histogram. One drainWorker owns exactly one shard
// queue for the process lifetime — adapted from the teacher's
// warming.WorkerPool/Worker design (a fixed pool of named workers, each
// with an id and an observable state) from task-queue draining to
// shard-queue draining for C4/C5 (spec.md §4.3/§4.4).
type drainWorker struct {
	id      int
	queue   *shardQueue
	drained atomic.Int64

	mu    sync.RWMutex
	state string // "idle", "draining"
}

func (w *drainWorker) setState(s string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *drainWorker) getState() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// drainWorkerStatus is drainPool's diagnostic surface, mirroring
// warming.WorkerStatus.
type drainWorkerStatus struct {
	ID      int
	State   string
	Drained int64
}

// drainPool owns one drainWorker per shard and drains all of them
// concurrently once per aggregator tick via errgroup.Group, rather than
// serializing shard drains the way a single-queue worker pool would
// (SPEC_FULL.md DOMAIN STACK: golang.org/x/sync/errgroup is new to this
// repo but already present in the teacher's module graph via
// golang.org/x/sync). This is the Go-native analogue of spec.md §4.4's
// "for each online CPU, drain its queue".
type drainPool struct {
	workers []*drainWorker
}

func newDrainPool(router *shardRouter) *drainPool {
	p := &drainPool{workers: make([]*drainWorker, len(router.shards))}
	for i, q := range router.shards {
		p.workers[i] = &drainWorker{id: i, queue: q, state: "idle"}
	}
	return p
}

// touchedSet collects the distinct ApmData handles that received at
// least one sample during a drain pass, so the aggregator only runs
// calc() for servers that actually changed this tick (spec.md §4.4). The
// CompareAndSwap on ApmData.queuedCalc dedupes before anyone touches the
// shared list, so the common case (a server already queued this tick)
// never takes the lock.
type touchedSet struct {
	mu   sync.Mutex
	list []*ApmData
}

func (s *touchedSet) add(d *ApmData) {
	if !d.queuedCalc.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.list = append(s.list, d)
	s.mu.Unlock()
}

func (s *touchedSet) drain() []*ApmData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.list
	s.list = nil
	for _, d := range out {
		d.queuedCalc.Store(false)
	}
	return out
}

// drainTick empties every shard queue once, applying each sample to its
// server's histogram at the jtstamp it carries (the time its originating
// request actually completed, not drain time — spec.md §4.3/§4.7) and
// recording which servers were touched. Shards drain concurrently;
// application to an individual server's histogram is itself
// race-tolerant by construction (ranges.go), so no additional locking is
// needed even when two shards happen to carry samples for the same
// server in the same tick (spec.md §9).
func (p *drainPool) drainTick(ctx context.Context) (*touchedSet, error) {
	touched := &touchedSet{}
	g, _ := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			w.setState("draining")
			defer w.setState("idle")
			for {
				item, ok := w.queue.pop()
				if !ok {
					return nil
				}
				item.data.apply(item.rtt, item.jtstamp)
				w.drained.Add(1)
				touched.add(item.data)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return touched, err
	}
	return touched, nil
}

func (p *drainPool) status() []drainWorkerStatus {
	out := make([]drainWorkerStatus, len(p.workers))
	for i, w := range p.workers {
		out[i] = drainWorkerStatus{ID: w.id, State: w.getState(), Drained: w.drained.Load()}
	}
	return out
}
