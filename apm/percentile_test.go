package apm

import "testing"

func TestPcntlCalcEmptyWindowYieldsZeroes(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	var out PStats
	if ok := pcntlCalc(rb, DefaultQuantiles, &out); !ok {
		t.Fatalf("pcntlCalc on an empty window should succeed trivially")
	}
	for i, v := range out.Val {
		if v != 0 {
			t.Errorf("Val[%d] = %d, want 0 for an empty window", i, v)
		}
	}
}

func TestPcntlCalcSingleEntryMinMaxAvg(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	e := rb.entry(0)
	for _, v := range []uint32{10, 20, 30, 40, 50} {
		e.hist.update(v)
	}

	var out PStats
	if ok := pcntlCalc(rb, DefaultQuantiles, &out); !ok {
		t.Fatalf("pcntlCalc should succeed on a fully-formed entry")
	}
	if out.Val[idxMin] != 10 {
		t.Errorf("min = %d, want 10", out.Val[idxMin])
	}
	if out.Val[idxMax] != 50 {
		t.Errorf("max = %d, want 50", out.Val[idxMax])
	}
	if out.Val[idxAvg] != 30 {
		t.Errorf("avg = %d, want 30", out.Val[idxAvg])
	}
}

func TestPcntlCalcAbortsOnMidUpdateEntry(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	e := rb.entry(0)
	// Simulate a reader observing totCnt>0 with minVal still at its
	// sentinel, a state a completed update() never leaves behind (it sets
	// minVal before bumping totCnt). pcntlCalc must treat this as a retry
	// signal, not a crash.
	e.hist.totCnt.Add(1)

	var out PStats
	if ok := pcntlCalc(rb, DefaultQuantiles, &out); ok {
		t.Errorf("pcntlCalc should report failure for a mid-update entry, not fabricate a result")
	}
}

func TestPcntlCalcAbortsOnLostBucketMass(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	e := rb.entry(0)
	for _, v := range []uint32{1, 2, 3} {
		e.hist.update(v)
	}
	// Simulate the race this repo's own docs call out: a concurrent
	// adjust() rebalance (ranges.go) clobbering a bucket's count via its
	// plain Store while another shard's drain goroutine was still
	// accumulating into it. totCnt has already advanced past what the
	// buckets can now account for.
	order, begin, _ := e.hist.ctl[0].load()
	e.hist.cnt[0][bucketOf(begin, order, 2)].Store(0)

	var out PStats
	if ok := pcntlCalc(rb, DefaultQuantiles, &out); ok {
		t.Errorf("pcntlCalc should abort when walked bucket mass falls short of totCnt, not fabricate a result with maxVal")
	}
}

func TestPcntlCalcQuantileOrdering(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	e := rb.entry(0)
	for i := uint32(1); i <= 100; i++ {
		e.hist.update(i)
	}

	var out PStats
	if ok := pcntlCalc(rb, []uint8{50, 90, 99}, &out); !ok {
		t.Fatalf("pcntlCalc should succeed")
	}
	p50 := out.Val[idxQuantileBase]
	p90 := out.Val[idxQuantileBase+1]
	p99 := out.Val[idxQuantileBase+2]
	if !(p50 <= p90 && p90 <= p99) {
		t.Errorf("quantiles not monotonic: p50=%d p90=%d p99=%d", p50, p90, p99)
	}
	if p99 > 100 || p50 < 1 {
		t.Errorf("quantiles out of the observed sample range: p50=%d p99=%d", p50, p99)
	}
}

func TestPcntlCalcZeroTargetShortCircuits(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	e := rb.entry(0)
	e.hist.update(5)

	var out PStats
	// A single sample makes every quantile's truncated target count 0
	// (1*q/100 == 0 for any q<100), so every quantile slot should resolve
	// to 0 rather than to the sample's own value.
	if ok := pcntlCalc(rb, []uint8{50}, &out); !ok {
		t.Fatalf("pcntlCalc should succeed")
	}
	if out.Val[idxQuantileBase] != 0 {
		t.Errorf("zero-target quantile = %d, want 0", out.Val[idxQuantileBase])
	}
}

func TestPcntlCalcMergesAcrossMultipleEntries(t *testing.T) {
	rb := newRingBuffer(DefaultScale)
	rb.entry(0).hist.update(10)
	rb.entry(1).hist.update(20)

	var out PStats
	if ok := pcntlCalc(rb, DefaultQuantiles, &out); !ok {
		t.Fatalf("pcntlCalc should succeed across multiple non-empty entries")
	}
	if out.Val[idxMin] != 10 {
		t.Errorf("min across entries = %d, want 10", out.Val[idxMin])
	}
	if out.Val[idxMax] != 20 {
		t.Errorf("max across entries = %d, want 20", out.Val[idxMax])
	}
}
