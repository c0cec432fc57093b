package apm

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Reserved ith[] slots for MIN/MAX/AVG, ahead of the caller-chosen
// quantiles (spec.md §4.6, "pstats_verify").
const (
	idxMin = iota
	idxMax
	idxAvg
	idxQuantileBase
)

// DefaultQuantiles mirrors the original's TFW_PSTATS_IDX_ITH default set.
var DefaultQuantiles = []uint8{50, 75, 90, 95, 99}

// ErrPercentileSetMismatch is returned by VerifyPercentileSet when the
// caller's ith[] doesn't match the engine's published layout.
var ErrPercentileSetMismatch = errors.New("apm: percentile set mismatch")

// PStats is one published snapshot: Ith names each slot (MIN/MAX/AVG are
// implicit at idxMin/idxMax/idxAvg, Ith[idxQuantileBase:] are the
// caller-configured quantiles in percent), Val holds the
// corresponding RTT values in milliseconds, Seq is a monotonically
// increasing publication sequence number a reader can use to detect that
// it read a torn or stale snapshot (spec.md §4.6).
type PStats struct {
	Ith []uint8
	Val []uint32
	Seq uint64
}

// VerifyPercentileSet checks that ith exactly matches the engine's
// published layout (MIN, MAX, AVG followed by the configured quantiles
// in order). Exposed standalone per SPEC_FULL.md's supplemented features
// — any caller can validate a ith[] slice before using it to index a
// PStats.Val, not just callers going through Stats().
func VerifyPercentileSet(ith []uint8, quantiles []uint8) error {
	want := buildIth(quantiles)
	if len(ith) != len(want) {
		return ErrPercentileSetMismatch
	}
	for i := range ith {
		if ith[i] != want[i] {
			return ErrPercentileSetMismatch
		}
	}
	return nil
}

func buildIth(quantiles []uint8) []uint8 {
	ith := make([]uint8, idxQuantileBase+len(quantiles))
	// MIN/MAX/AVG slots carry sentinel 0 in Ith; only the quantile tail
	// carries a meaningful percentile value. Readers identify MIN/MAX/AVG
	// by fixed index, not by scanning Ith.
	copy(ith[idxQuantileBase:], quantiles)
	return ith
}

// statsSlot is one half of the flip-flop: a PStats snapshot guarded by
// its own RWMutex so the aggregator can write a fresh snapshot into the
// half readers currently aren't pointed at, without blocking them
// (spec.md §4.6, "double-buffered publication").
type statsSlot struct {
	mu sync.RWMutex
	p  PStats
}

// statsPair implements the double-buffered publication described in
// spec.md §4.6: two statsSlots and an atomic read index. A reader loads
// rdidx, locks that slot for reading, copies out the snapshot, and
// unlocks — never blocking the writer, which always targets the other
// slot and only flips rdidx once the new snapshot is fully written.
type statsPair struct {
	slots [2]statsSlot
	rdidx atomic.Uint32
	seq   atomic.Uint64
}

// read returns a copy of the currently published snapshot.
func (sp *statsPair) read() PStats {
	idx := sp.rdidx.Load()
	slot := &sp.slots[idx]
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	out := PStats{
		Ith: append([]uint8(nil), slot.p.Ith...),
		Val: append([]uint32(nil), slot.p.Val...),
		Seq: slot.p.Seq,
	}
	return out
}

// publish writes a new snapshot into the currently unread slot, then
// flips rdidx so subsequent readers see it. Only ever called from the
// aggregator goroutine (single writer), matching spec.md §4.6's
// single-writer/many-reader model.
func (sp *statsPair) publish(ith []uint8, val []uint32) {
	writeIdx := 1 - sp.rdidx.Load()
	slot := &sp.slots[writeIdx]

	slot.mu.Lock()
	slot.p.Ith = ith
	slot.p.Val = val
	slot.p.Seq = sp.seq.Add(1)
	slot.mu.Unlock()

	sp.rdidx.Store(writeIdx)
}
