// Package apm implements a per-server RTT percentile engine: an adaptive
// logarithmic histogram, a sliding window of such histograms, a
// lock-free per-shard ingest path, and a periodic aggregator that
// republishes percentiles for readers without ever blocking a sample on
// its way in.
//
// Design Philosophy:
//   - The ingest path (Update) never blocks, never logs, never returns
//     an error — a dropped sample under overload is preferable to a
//     stalled caller.
//   - All recomputation happens off the ingest path, in one aggregator
//     goroutine's periodic tick.
//   - Readers (Stats) never block on the aggregator: they read whichever
//     half of a double-buffered snapshot was most recently published.
//
// Architecture:
//   - C1 ranges.go: per-interval adaptive histogram
//   - C2 rbuf.go: sliding window ring buffer of histograms
//   - C3 data.go: opaque per-server handle
//   - C4 queue.go: lock-free bounded ingest queues, sharded
//   - C5 aggregator.go: periodic timer driver
//   - C6 this file: reader API, lifecycle, pub/sub ingestion bridge
package apm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// numShards approximates "one ingest queue per online CPU" (spec.md
// §4.3) with a fixed shard count, since Go exposes no portable way for a
// goroutine to learn or pin its CPU without unexported runtime hooks
// (spec.md §9 open question — resolved here in favor of the simpler,
// portable approximation).
const numShards = 8

//encore:service
type Service struct {
	mu      sync.RWMutex
	cfg     Config
	agg     *aggregator
	audit   *RecalcAuditLogger
	servers map[uuid.UUID]*ApmData

	creating singleflight.Group
}

var (
	// ErrNotInitialized is returned by the package-level wrappers if
	// called before init() completed (defensive; init() panics on
	// failure so this should be unreachable in practice).
	ErrNotInitialized = errors.New("apm: service not initialized")
	// ErrUnknownServer is returned by GetServerStats and Unregister for
	// a handle the engine has no record of.
	ErrUnknownServer = errors.New("apm: unknown server")
)

var apmDB = sqldb.Named("apm_db")

var svc *Service

func initService() (*Service, error) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("apm: rejecting config: %w", err)
	}

	audit, err := NewRecalcAuditLogger(apmDB, 50)
	if err != nil {
		return nil, fmt.Errorf("apm: failed to initialize audit logger: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		audit:   audit,
		servers: make(map[uuid.UUID]*ApmData),
	}
	s.agg = newAggregator(cfg, numShards, defaultShardQueueCapacity, audit)
	s.agg.start()
	return s, nil
}

func init() {
	var err error
	svc, err = initService()
	if err != nil {
		panic(fmt.Sprintf("apm: failed to initialize service: %v", err))
	}
}

// Shutdown stops the aggregator's timer loop and performs the
// three-phase drain described in SPEC_FULL.md's supplemented features:
// queue drain releasing references, then qrecalc drain releasing
// references. There is no separate qcalc check: qcalc is local to each
// tick. With Config.Debug set, aggregator.stop logs how many queued
// samples were still in flight.
func (s *Service) Shutdown() {
	s.agg.stop()
}

// Create allocates and initializes a fresh per-server handle (C3),
// sized from the service's Config. Its refcount starts at zero — the
// caller must Attach it (or use Register) before the aggregator will
// treat it as reachable for shutdown accounting (spec.md §4.7,
// grounded on apm.c's tfw_apm_create leaving refcnt untouched).
func (s *Service) Create() *ApmData {
	d := newApmData(s.cfg, DefaultQuantiles)

	s.mu.Lock()
	s.servers[d.id] = d
	s.mu.Unlock()

	return d
}

// createCoalesced is Create guarded by singleflight so concurrent
// callers racing to initialize state for the same external key (e.g.
// two goroutines handling the same new inventory entry) share one
// underlying ApmData instead of each allocating their own and leaking
// one (SPEC_FULL.md DOMAIN STACK: golang.org/x/sync/singleflight).
func (s *Service) createCoalesced(key string) (*ApmData, error) {
	v, err, _ := s.creating.Do(key, func() (interface{}, error) {
		return s.Create(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ApmData), nil
}

// Attach bumps data's reference count, recording that some external
// owner (typically a server inventory entry) now holds a reference to it
// (spec.md §4.7, grounded on apm.c's tfw_apm_data_get).
func (s *Service) Attach(data *ApmData) {
	data.get()
}

// Detach drops data's reference count (spec.md §4.7, grounded on
// apm.c's tfw_apm_data_put). It does not remove data from the service's
// registry — GetServerStats on a detached-but-not-yet-garbage-collected
// handle is still well-defined, matching the original's refcounted
// rather than immediately-freed teardown.
func (s *Service) Detach(data *ApmData) {
	data.put()
}

// Update pushes one RTT sample (in milliseconds), taken at jtstamp (the
// jiffy timestamp the originating request actually completed at), for
// data onto the ingest path (C4) — spec.md §4.7's
// update(data_ref, jtstamp, jrtt). It never blocks and never returns an
// error: a full shard silently drops the sample, exactly as spec.md
// §4.3/§7 require of the fast path. Values at or above maxRTTMillis are
// dropped the same way, since they don't fit the 16-bit range
// representation.
func (s *Service) Update(data *ApmData, jtstamp uint64, rttMillis uint32) {
	if data == nil || rttMillis >= maxRTTMillis {
		return
	}
	data.get()
	if !s.agg.router.push(sampleItem{data: data, jtstamp: jtstamp, rtt: rttMillis}) {
		data.put()
	}
}

// Stats returns the most recently published percentile snapshot for
// data (C6 "stats()"). Never blocks on the aggregator (spec.md §4.6).
func (s *Service) Stats(data *ApmData) PStats {
	return data.stats.read()
}

// VerifyPercentileSet checks ith against the service's configured
// quantile layout. Service-method wrapper around the package-level
// VerifyPercentileSet(ith, quantiles) for callers that only have a
// Service handle (SPEC_FULL.md supplemented feature #1).
func (s *Service) VerifyPercentileSet(ith []uint8) error {
	return VerifyPercentileSet(ith, DefaultQuantiles)
}

// ServerHandle is the minimal shape an inventory's server entity must
// satisfy to use Register/Unregister. It keeps apm decoupled from any
// concrete Server type, which spec.md §1 explicitly places out of scope
// as an external collaborator.
type ServerHandle interface {
	SetAPMRef(ref *ApmData)
	APMRef() *ApmData
}

// Register bundles Create+Attach into one call bound to handle, mirroring
// the ergonomics of apm.c's tfw_apm_add_srv (create, then get, then
// assign) without collapsing Create/Attach/Detach as separately named,
// independently usable primitives (SPEC_FULL.md supplemented feature #4).
func Register(handle ServerHandle) (*ApmData, error) {
	if svc == nil {
		return nil, ErrNotInitialized
	}
	if handle.APMRef() != nil {
		return nil, errors.New("apm: handle already registered")
	}
	d, err := svc.createCoalesced(fmt.Sprintf("%p", handle))
	if err != nil {
		return nil, err
	}
	svc.Attach(d)
	handle.SetAPMRef(d)
	return d, nil
}

// Unregister is Register's inverse: detaches and clears the handle's
// reference.
func Unregister(handle ServerHandle) error {
	if svc == nil {
		return ErrNotInitialized
	}
	d := handle.APMRef()
	if d == nil {
		return ErrUnknownServer
	}
	svc.Detach(d)
	handle.SetAPMRef(nil)
	return nil
}

// GetServerStatsRequest/GetServerStatsResponse, GetStatsResponse and the
// //encore:api handlers below
// are the reader API's HTTP-facing surface (C6), on top of the
// Go-to-Go Stats method other in-process callers use directly.

type GetServerStatsRequest struct {
	ServerID string `json:"server_id"`
}

type GetServerStatsResponse struct {
	PStats
}

// GetServerStats looks up one server's published percentile snapshot by
// its opaque handle's UUID.
//
//encore:api public method=GET path=/apm/servers/:ServerID/stats
func GetServerStats(ctx context.Context, req *GetServerStatsRequest) (*GetServerStatsResponse, error) {
	if svc == nil {
		return nil, ErrNotInitialized
	}
	id, err := uuid.Parse(req.ServerID)
	if err != nil {
		return nil, fmt.Errorf("apm: invalid server id: %w", err)
	}

	svc.mu.RLock()
	d, ok := svc.servers[id]
	svc.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownServer
	}

	return &GetServerStatsResponse{PStats: svc.Stats(d)}, nil
}

type GetStatsResponse struct {
	Servers []GetServerStatsResponse `json:"servers"`
}

// GetStats returns the published percentile snapshot for every server
// currently registered with the engine.
//
//encore:api public method=GET path=/apm/stats
func GetStats(ctx context.Context) (*GetStatsResponse, error) {
	if svc == nil {
		return nil, ErrNotInitialized
	}

	svc.mu.RLock()
	datas := make([]*ApmData, 0, len(svc.servers))
	for _, d := range svc.servers {
		datas = append(datas, d)
	}
	svc.mu.RUnlock()

	resp := &GetStatsResponse{Servers: make([]GetServerStatsResponse, len(datas))}
	for i, d := range datas {
		resp.Servers[i] = GetServerStatsResponse{PStats: svc.Stats(d)}
	}
	return resp, nil
}

// RTTSampleEvent is an out-of-process RTT observation: the Go-native
// substitute for the original kernel module's per-CPU work-queue
// hand-off from the request-completion path to the aggregator
// (SPEC_FULL.md DOMAIN STACK). In-process callers that already hold an
// *ApmData should call Update directly instead — this topic exists for
// producers running in a different service.
type RTTSampleEvent struct {
	ServerID string `json:"server_id"`
	// JtStampMillis is the jiffy timestamp (1 jiffy == 1ms) the request
	// this RTT was measured for actually completed at, set by the
	// producer — not when this engine happens to receive or drain the
	// event. See NowJiffies.
	JtStampMillis uint64 `json:"jtstamp_ms"`
	RTTMillis     uint32 `json:"rtt_ms"`
}

var RTTSampleTopic = pubsub.NewTopic[*RTTSampleEvent](
	"apm-rtt-sample",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

var _ = pubsub.NewSubscription(
	RTTSampleTopic,
	"apm-rtt-ingest",
	pubsub.SubscriptionConfig[*RTTSampleEvent]{
		Handler: handleRTTSample,
	},
)

func handleRTTSample(ctx context.Context, event *RTTSampleEvent) error {
	if svc == nil {
		return nil
	}
	id, err := uuid.Parse(event.ServerID)
	if err != nil {
		return fmt.Errorf("apm: invalid server id in RTT sample: %w", err)
	}

	svc.mu.RLock()
	d, ok := svc.servers[id]
	svc.mu.RUnlock()
	if !ok {
		// Unknown server: drop silently rather than fail the whole
		// subscription, matching spec.md §7's "silently drops" rule
		// for unroutable samples. A malformed ServerID is returned as
		// an error above instead.
		return nil
	}

	svc.Update(d, event.JtStampMillis, event.RTTMillis)
	return nil
}
