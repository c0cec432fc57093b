package apm

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// tickPeriod is the aggregator's steady-state cadence: HZ/20 in the
// original (apm.c's TFW_APM_TIMER_TIMEOUT), reinterpreted here with
// 1 jiffy == 1ms so the conversion from wall-clock time to jiffies needs
// no scaling.
const tickPeriod = 50 * time.Millisecond

// retryTick is the "1 jiffy" fast-retry interval used when a tick leaves
// servers on qrecalc — the original reschedules its timer for 1 jiffy
// rather than waiting a full TFW_APM_TIMER_TIMEOUT when there's
// unfinished recalculation work pending (apm.c's tfw_apm_prcntl_tmfn).
const retryTick = 1 * time.Millisecond

// clockSource supplies the current time in jiffies. Abstracted so tests
// can drive the aggregator through specific window boundaries
// deterministically instead of racing the wall clock.
type clockSource interface {
	nowJiffies() uint64
}

type realClock struct{}

func (realClock) nowJiffies() uint64 { return uint64(time.Now().UnixMilli()) }

// NowJiffies returns the current time in the same jiffy units the engine
// stamps samples with (1 jiffy == 1ms). Callers pushing a sample through
// Update should stamp it with the time the originating request actually
// completed rather than calling this just before Update, whenever that
// completion time is available — it is what spec.md §4.7's
// update(data_ref, jtstamp, jrtt) is keyed on.
func NowJiffies() uint64 { return realClock{}.nowJiffies() }

// rbctlUpdate decides whether jtNow has moved this server into a new
// ring buffer window interval. If so it advances rbCtl and returns true.
// If not — the "nothing changed" path — it returns false without
// consulting or clearing any flags on d: a pending RECALC flag from a
// previous failed pcntlCalc must still be honored by the caller this
// tick even though the window itself hasn't rolled (spec.md §9 open
// question: these are two independent triggers for recomputation and
// must not be collapsed into one check).
func rbctlUpdate(d *ApmData, jtNow uint64) bool {
	interval := d.cfg.intervalMillis()
	if interval == 0 {
		interval = 1
	}
	windowStart := (jtNow / interval) * interval
	if windowStart == d.rbctl.jtmwstamp {
		return false
	}
	d.rbctl.jtmwstamp = windowStart
	d.rbctl.curIdx = int(jtNow/interval) % d.rbuf.size()
	return true
}

// aggregator is the periodic timer driver (C5): once per tick it drains
// every shard queue and runs calc for every server that received samples
// this tick or is pending recalculation; calc recomputes and republishes
// when that server's window rolled or it has UPDONE or RECALC set. A
// server that receives no samples is not visited, even when its window
// has rolled. Servers whose pcntlCalc aborted early
// go on qrecalc for an immediate retry at the next jiffy rather than
// waiting out a full tick (spec.md §4.4, grounded on apm.c's
// tfw_apm_prcntl_tmfn).
type aggregator struct {
	cfg    Config
	router *shardRouter
	drain  *drainPool
	clock  clockSource
	audit  *RecalcAuditLogger
	debug  bool

	rearm  atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	qrecalcMu sync.Mutex
	qrecalc   []*ApmData
}

func newAggregator(cfg Config, numShards, shardCapacity int, audit *RecalcAuditLogger) *aggregator {
	router := newShardRouter(numShards, shardCapacity)
	traceEnabled.Store(cfg.Debug)
	return &aggregator{
		cfg:    cfg,
		router: router,
		drain:  newDrainPool(router),
		clock:  realClock{},
		audit:  audit,
		debug:  cfg.Debug,
		stopCh: make(chan struct{}),
	}
}

// start launches the timer loop goroutine. Safe to call once per
// aggregator instance.
func (a *aggregator) start() {
	a.rearm.Store(true)
	a.wg.Add(1)
	go a.run()
}

func (a *aggregator) run() {
	defer a.wg.Done()
	timer := time.NewTimer(tickPeriod)
	defer timer.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-timer.C:
			if !a.rearm.Load() {
				return
			}
			next := a.tick(context.Background())
			timer.Reset(next)
		}
	}
}

// tick runs one aggregation pass and returns how long to wait before the
// next one: retryTick if any server is still pending recalculation,
// tickPeriod otherwise.
func (a *aggregator) tick(ctx context.Context) time.Duration {
	jtNow := a.clock.nowJiffies()

	touched, err := a.drain.drainTick(ctx)
	if err != nil {
		log.Printf("apm: shard drain error: %v", err)
	}

	qcalc := touched.drain()
	qcalc = append(qcalc, a.takeRecalc()...)

	pending := false
	for _, d := range qcalc {
		if !a.calc(ctx, d, jtNow) {
			a.pushRecalc(d)
			pending = true
		}
	}

	if a.debug && len(qcalc) > 0 {
		log.Printf("apm: tick jt=%d processed=%d pending=%v", jtNow, len(qcalc), pending)
	}

	if pending {
		return retryTick
	}
	return tickPeriod
}

// calc recomputes and republishes one server's percentiles if it needs
// recomputing this tick, returning false if pcntlCalc had to abort
// (caller should retry at the next jiffy).
func (a *aggregator) calc(ctx context.Context, d *ApmData, jtNow uint64) bool {
	rolled := rbctlUpdate(d, jtNow)
	if rolled && a.audit != nil {
		a.audit.logWindowRollover(ctx, d.id)
	}
	if !rolled && !d.testFlag(flagUpdone) && !d.testFlag(flagRecalc) {
		return true
	}

	var snap PStats
	if pcntlCalc(d.rbuf, d.quantiles, &snap) {
		d.stats.publish(snap.Ith, snap.Val)
		d.clearFlag(flagRecalc)
		d.clearFlag(flagUpdone)
		return true
	}

	d.setFlag(flagRecalc)
	if a.audit != nil {
		a.audit.logRecalcMiss(ctx, d.id)
	}
	return false
}

func (a *aggregator) pushRecalc(d *ApmData) {
	a.qrecalcMu.Lock()
	a.qrecalc = append(a.qrecalc, d)
	a.qrecalcMu.Unlock()
}

func (a *aggregator) takeRecalc() []*ApmData {
	a.qrecalcMu.Lock()
	defer a.qrecalcMu.Unlock()
	out := a.qrecalc
	a.qrecalc = nil
	return out
}

// stop implements the three-phase shutdown drain from apm.c's
// tfw_apm_stop (SPEC_FULL.md supplemented feature #2): clear the rearm
// flag and stop the timer loop, drain every shard queue releasing
// references without applying the samples, then drain qrecalc releasing
// references. When Config.Debug is set it logs how many queued samples
// were still in flight.
func (a *aggregator) stop() {
	a.rearm.Store(false)
	close(a.stopCh)
	a.wg.Wait()

	var drainedRefs int
	for _, w := range a.drain.workers {
		for {
			item, ok := w.queue.pop()
			if !ok {
				break
			}
			item.data.put()
			drainedRefs++
		}
	}

	for _, d := range a.takeRecalc() {
		d.put()
	}

	if a.debug && drainedRefs > 0 {
		log.Printf("apm: shutdown drained %d queued samples still in flight", drainedRefs)
	}
}
