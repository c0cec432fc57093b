package apm

import "testing"

func TestBuildIthLayout(t *testing.T) {
	ith := buildIth([]uint8{50, 99})
	if len(ith) != idxQuantileBase+2 {
		t.Fatalf("len(ith) = %d, want %d", len(ith), idxQuantileBase+2)
	}
	if ith[idxQuantileBase] != 50 || ith[idxQuantileBase+1] != 99 {
		t.Errorf("quantile tail = %v, want [50 99]", ith[idxQuantileBase:])
	}
}

func TestVerifyPercentileSetMatchesAndMismatches(t *testing.T) {
	quantiles := []uint8{50, 90, 99}
	ith := buildIth(quantiles)
	if err := VerifyPercentileSet(ith, quantiles); err != nil {
		t.Errorf("matching ith should verify, got %v", err)
	}

	wrongLen := ith[:len(ith)-1]
	if err := VerifyPercentileSet(wrongLen, quantiles); err != ErrPercentileSetMismatch {
		t.Errorf("wrong-length ith should return ErrPercentileSetMismatch, got %v", err)
	}

	wrongVal := append([]uint8(nil), ith...)
	wrongVal[idxQuantileBase] = 1
	if err := VerifyPercentileSet(wrongVal, quantiles); err != ErrPercentileSetMismatch {
		t.Errorf("mismatched quantile value should return ErrPercentileSetMismatch, got %v", err)
	}
}

func TestStatsPairPublishThenRead(t *testing.T) {
	var sp statsPair
	ith := buildIth(DefaultQuantiles)
	val := []uint32{1, 100, 50, 10, 20, 40, 60, 90}

	sp.publish(ith, val)
	got := sp.read()

	if got.Seq != 1 {
		t.Errorf("Seq after first publish = %d, want 1", got.Seq)
	}
	if len(got.Val) != len(val) || got.Val[idxMin] != 1 || got.Val[idxMax] != 100 {
		t.Errorf("read() = %+v, want min=1 max=100", got)
	}
}

func TestStatsPairAlternatesSlots(t *testing.T) {
	var sp statsPair
	ith := buildIth(DefaultQuantiles)

	sp.publish(ith, []uint32{1, 2, 3, 4, 5, 6, 7, 8})
	firstIdx := sp.rdidx.Load()

	sp.publish(ith, []uint32{9, 10, 11, 12, 13, 14, 15, 16})
	secondIdx := sp.rdidx.Load()

	if firstIdx == secondIdx {
		t.Errorf("consecutive publishes should flip rdidx between 0 and 1")
	}
	got := sp.read()
	if got.Val[idxMin] != 9 {
		t.Errorf("read() after second publish = %+v, want the second snapshot", got)
	}
	if got.Seq != 2 {
		t.Errorf("Seq after second publish = %d, want 2", got.Seq)
	}
}

func TestStatsPairReadReturnsIndependentCopy(t *testing.T) {
	var sp statsPair
	ith := buildIth(DefaultQuantiles)
	val := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	sp.publish(ith, val)

	got := sp.read()
	got.Val[0] = 999

	again := sp.read()
	if again.Val[0] == 999 {
		t.Errorf("read() should return a copy; mutating it must not affect the published snapshot")
	}
}
