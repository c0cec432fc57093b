package apm

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Flag bits for ApmData.flags. RECALC marks a server whose last
// pcntlCalc attempt aborted early (ring buffer entry caught mid-update)
// and needs a retry; UPDONE marks one with at least one sample since its
// last successful publish, so the aggregator can skip recomputing
// servers that are idle this tick (spec.md §4.4, §5).
const (
	flagRecalc uint32 = 1 << iota
	flagUpdone
)

// rbCtl tracks, per server, which ring buffer slot represents "now" and
// when that slot was last rolled forward. It is only ever touched by
// rbctlUpdate, from aggregator.calc on the aggregator goroutine, so it
// needs no synchronization of its own (spec.md §4.2, §4.4, grounded
// on apm.c's TfwApmRBCtl / tfw_apm_rbctl_update).
type rbCtl struct {
	jtmwstamp uint64
	curIdx    int
}

// ApmData is the opaque per-server handle (C3): everything the engine
// needs to track one server's RTT distribution across the sliding
// window, plus the bookkeeping to publish percentiles and to let the
// aggregator schedule retries. A *ApmData is the "opaque reference" the
// rest of spec.md's external interfaces pass around (spec.md §6).
type ApmData struct {
	id uuid.UUID

	cfg       Config
	quantiles []uint8

	rbuf  *ringBuffer
	rbctl rbCtl
	stats statsPair

	flags    atomic.Uint32
	refcount atomic.Int64

	// queuedCalc dedupes concurrent drainWorkers racing to add the same
	// server to this tick's touched set (workerpool.go's touchedSet).
	queuedCalc atomic.Bool

	// Intrusive list linkage named after spec.md §4.4's "qcalc"/"qrecalc"
	// work lists. Nothing reads or writes these fields: the aggregator
	// keeps qcalc and qrecalc as slices of *ApmData (aggregator.go).
	nextCalc   *ApmData
	nextRecalc *ApmData
}

// newApmData allocates a fresh per-server handle with its ring buffer
// sized from cfg and its refcount at zero, matching the original's
// tfw_apm_create (which leaves refcnt at 0; the caller bumps it via
// attach/Register).
func newApmData(cfg Config, quantiles []uint8) *ApmData {
	if len(quantiles) == 0 {
		quantiles = DefaultQuantiles
	}
	return &ApmData{
		id:        uuid.New(),
		cfg:       cfg,
		quantiles: append([]uint8(nil), quantiles...),
		rbuf:      newRingBuffer(cfg.slots()),
		// No window yet: no interval start equals this stamp, so the
		// first rbctlUpdate always rolls.
		rbctl: rbCtl{jtmwstamp: ^uint64(0)},
	}
}

func (d *ApmData) testFlag(f uint32) bool {
	return d.flags.Load()&f != 0
}

func (d *ApmData) setFlag(f uint32) {
	for {
		cur := d.flags.Load()
		if d.flags.CompareAndSwap(cur, cur|f) {
			return
		}
	}
}

func (d *ApmData) clearFlag(f uint32) {
	for {
		cur := d.flags.Load()
		if d.flags.CompareAndSwap(cur, cur&^f) {
			return
		}
	}
}

// get bumps the reference count. Paired with put; the engine uses this
// to know when a server's last external handle has gone away
// (spec.md §4.7 attach/detach, grounded on apm.c's tfw_apm_data_get).
func (d *ApmData) get() {
	d.refcount.Add(1)
}

// put drops the reference count, returning true if it reached zero. The
// caller is then responsible for retiring the handle from the
// aggregator's queues (grounded on apm.c's tfw_apm_data_put).
func (d *ApmData) put() bool {
	return d.refcount.Add(-1) == 0
}

func (d *ApmData) refs() int64 {
	return d.refcount.Load()
}

// apply writes one RTT sample into the ring buffer slot that owns
// jtstamp — the jiffy timestamp the sample's originating request
// actually completed at (spec.md §4.7's update(data_ref, jtstamp,
// jrtt)), not the time the aggregator happens to drain it. A sample
// delayed by a full-queue backlog or a GC pause is still filed into the
// interval it belongs to, rolling that slot forward first if jtstamp has
// moved it into a new interval. Called from drainPool.drainTick,
// potentially concurrently with other applies for the same ApmData if
// its samples land on different shards in the same tick — safe because
// both checkReset and ranges.update are built entirely from atomic
// operations, with races resolved the lossy way spec.md §4.1/§9 accept
// rather than via locking.
func (d *ApmData) apply(rtt uint32, jtstamp uint64) {
	interval := d.cfg.intervalMillis()
	if interval == 0 {
		interval = 1
	}
	slotIdx := int(jtstamp/interval) % d.rbuf.size()
	windowStart := (jtstamp / interval) * interval
	entry := d.rbuf.entry(slotIdx)
	entry.checkReset(windowStart)
	entry.hist.update(rtt)
	d.setFlag(flagUpdone)
}
