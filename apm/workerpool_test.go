package apm

import (
	"context"
	"testing"
)

func TestTouchedSetDedupesSameServer(t *testing.T) {
	var ts touchedSet
	d := newApmData(DefaultConfig(), nil)

	ts.add(d)
	ts.add(d)

	list := ts.drain()
	if len(list) != 1 {
		t.Fatalf("touchedSet should dedupe repeated adds of the same server, got %d entries", len(list))
	}
}

func TestTouchedSetDrainResetsForNextTick(t *testing.T) {
	var ts touchedSet
	d := newApmData(DefaultConfig(), nil)

	ts.add(d)
	ts.drain()
	ts.add(d)
	list := ts.drain()

	if len(list) != 1 {
		t.Errorf("a server should be re-addable to touchedSet after a drain, got %d entries", len(list))
	}
}

func TestDrainTickAppliesQueuedSamples(t *testing.T) {
	router := newShardRouter(2, 16)
	pool := newDrainPool(router)
	d := newApmData(DefaultConfig(), nil)

	router.push(sampleItem{data: d, jtstamp: 0, rtt: 10})
	router.push(sampleItem{data: d, jtstamp: 0, rtt: 20})

	touched, err := pool.drainTick(context.Background())
	if err != nil {
		t.Fatalf("drainTick returned an error: %v", err)
	}
	list := touched.drain()
	if len(list) != 1 || list[0] != d {
		t.Fatalf("drainTick should report the one touched server exactly once, got %v", list)
	}

	slot0 := d.rbuf.entry(0)
	if got := slot0.hist.totCnt.Load(); got != 2 {
		t.Errorf("both queued samples should have been applied, totCnt = %d, want 2", got)
	}
}

func TestDrainTickRoutesByPerSampleJtstampNotDrainTime(t *testing.T) {
	router := newShardRouter(1, 16)
	pool := newDrainPool(router)
	d := newApmData(Config{WindowSeconds: MinWindowSeconds, ScaleSlots: 2}, nil)

	// A sample stamped for the first interval, drained well after the
	// aggregator has already moved on to a later tick (e.g. it sat in a
	// full-queue backlog). It must still land in slot 0 because
	// drainTick files it by the jtstamp it carries, not by when it's
	// finally popped off the queue.
	router.push(sampleItem{data: d, jtstamp: 0, rtt: 7})

	if _, err := pool.drainTick(context.Background()); err != nil {
		t.Fatalf("drainTick returned an error: %v", err)
	}

	slot0 := d.rbuf.entry(0)
	if got := slot0.hist.totCnt.Load(); got != 1 {
		t.Errorf("a sample stamped for interval 0 should land in slot 0 regardless of drain time, totCnt = %d, want 1", got)
	}
}

func TestDrainTickLeavesEmptyShardsIdle(t *testing.T) {
	router := newShardRouter(3, 16)
	pool := newDrainPool(router)

	_, err := pool.drainTick(context.Background())
	if err != nil {
		t.Fatalf("drainTick on empty shards returned an error: %v", err)
	}
	for _, s := range pool.status() {
		if s.State != "idle" {
			t.Errorf("worker %d state = %q after drain, want idle", s.ID, s.State)
		}
		if s.Drained != 0 {
			t.Errorf("worker %d drained = %d, want 0 for an empty shard", s.ID, s.Drained)
		}
	}
}
