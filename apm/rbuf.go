package apm

import (
	"log"
	"sync/atomic"
)

// defaultRbufSize bounds how many interval slots the ring buffer holds.
// scale (Config.ScaleSlots) picks this per spec.md §6; this is only the
// fallback newRingBuffer uses when it is given a size below 1.
const defaultRbufSize = DefaultScale

// rbufEntry is one interval's histogram plus the bookkeeping needed to
// reclaim it safely once its interval has fully aged out of the window
// (spec.md §4.2). jtmistamp is the jiffy timestamp this entry's interval
// started at; resetting arbitrates which goroutine performs the actual
// clear so a slot recycles without a buffer-wide lock, while still
// keeping every other writer out of the histogram until the clear is
// done (checkReset).
type rbufEntry struct {
	hist      ranges
	jtmistamp atomic.Uint64
	resetting atomic.Bool
}

// ringBuffer is the sliding window of histograms (C2): a fixed-size
// array of rbufEntry, indexed by jiffy-stamp modulo len(entries). There
// is no buffer-wide lock; each slot resets itself independently via
// checkReset's compare-and-swap claim on its resetting flag, so one
// goroutine recycling slot
// K never blocks a concurrent read of slot K+1 (spec.md §4.2, §9).
type ringBuffer struct {
	entries []rbufEntry
}

func newRingBuffer(size int) *ringBuffer {
	if size < 1 {
		size = defaultRbufSize
	}
	rb := &ringBuffer{entries: make([]rbufEntry, size)}
	for i := range rb.entries {
		rb.entries[i].hist.initCtl()
	}
	return rb
}

func (rb *ringBuffer) size() int { return len(rb.entries) }

func (rb *ringBuffer) entry(idx int) *rbufEntry {
	return &rb.entries[idx%len(rb.entries)]
}

// checkReset reclaims the slot for a new interval starting at jtmistamp
// if it isn't already current. Multiple goroutines racing to roll the
// same slot forward all call this; exactly one of them wins the
// resetting claim and clears the histogram before publishing the new
// jtmistamp — the ctl words are left untouched so the histogram's
// learned shape survives interval boundaries, only counts are cleared
// (spec.md §4.2, grounded on apm.c's __tfw_apm_rbent_reset: clear
// counters in place, THEN advance the stamp).
//
// The clear-then-publish order matters once apply() (data.go) is called
// concurrently for the same server from different shard-drain
// goroutines in the same tick: publishing the new stamp before the
// clear finishes would let a second writer observe the new interval as
// already current and write straight into a histogram still being
// zeroed out from under it. Losers spin on the resetting claim instead
// of proceeding, so they only ever see the slot once it's either
// untouched or fully reset.
func (e *rbufEntry) checkReset(jtmistamp uint64) bool {
	if e.jtmistamp.Load() == jtmistamp {
		return false
	}
	for !e.resetting.CompareAndSwap(false, true) {
		// Another goroutine already claimed this slot's reset; spin
		// until it publishes the new stamp rather than racing its
		// in-progress clear.
	}
	defer e.resetting.Store(false)

	if e.jtmistamp.Load() == jtmistamp {
		// The winner finished rolling this slot forward while we were
		// spinning on the claim; nothing left for us to do.
		return false
	}

	e.hist.reset()
	e.jtmistamp.Store(jtmistamp)
	if traceEnabled.Load() {
		log.Printf("apm: ring buffer slot reset jtmistamp=%d", jtmistamp)
	}
	return true
}
