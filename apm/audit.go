package apm

import (
	"context"
	"fmt"
	"log"
	"time"

	"encore.dev/storage/sqldb"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RecalcEvent is one row of the recalculation audit trail: a server's
// percentile recomputation either aborted early (a ring buffer entry was
// caught mid-update) or its window rolled over. This table never stores
// RTT samples or histogram contents — only the fact and time of the
// event — so it does not reintroduce the on-disk persistence spec.md §6
// rules out for the sampling engine itself.
type RecalcEvent struct {
	ID        int64     `json:"id"`
	ServerID  string    `json:"server_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// RecalcAuditLogger persists RecalcEvents to Postgres, adapted from
// invalidation.AuditLogger's schema-on-first-use, append-only,
// indexed-by-timestamp design (spec.md SPEC_FULL.md DOMAIN STACK). A
// golang.org/x/time/rate.Limiter caps how often this ever hits the
// database, mirroring warming.Service's rate limiter's role of
// protecting a downstream dependency from being overwhelmed by a
// pathological stream of events.
type RecalcAuditLogger struct {
	db      *sqldb.Database
	limiter *rate.Limiter
}

// NewRecalcAuditLogger creates a logger and ensures its schema exists.
// rps bounds how many audit rows (recalc misses and window rollovers
// together) can be written per second; bursts
// beyond that are silently dropped rather than blocking the aggregator
// goroutine (spec.md's fast-path-never-blocks rule extends here: audit
// writes must never slow down the timer loop).
func NewRecalcAuditLogger(db *sqldb.Database, rps float64) (*RecalcAuditLogger, error) {
	if rps <= 0 {
		rps = 50
	}
	l := &RecalcAuditLogger{db: db, limiter: rate.NewLimiter(rate.Limit(rps), int(rps))}
	if err := l.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("apm: failed to initialize recalc audit schema: %w", err)
	}
	return l, nil
}

func (l *RecalcAuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS apm_recalc_audit (
			id BIGSERIAL PRIMARY KEY,
			server_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_apm_recalc_audit_timestamp
		ON apm_recalc_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_apm_recalc_audit_server_id
		ON apm_recalc_audit(server_id);
	`
	_, err := l.db.Exec(ctx, query)
	return err
}

// logRecalcMiss records one aborted pcntlCalc attempt for serverID. It
// never blocks or propagates an error to the aggregator's tick: a
// dropped audit row is an acceptable loss, a delayed tick is not. Write
// failures are logged, never returned (SPEC_FULL.md AMBIENT STACK:
// "audit-log write failures ... must never block the timer").
func (l *RecalcAuditLogger) logRecalcMiss(ctx context.Context, serverID uuid.UUID) {
	l.record(ctx, serverID, "recalc_miss")
}

// logWindowRollover records a window-interval rollover for serverID —
// the other event this table tracks, per SPEC_FULL.md's DOMAIN STACK
// entry for encore.dev/storage/sqldb.
func (l *RecalcAuditLogger) logWindowRollover(ctx context.Context, serverID uuid.UUID) {
	l.record(ctx, serverID, "window_rollover")
}

func (l *RecalcAuditLogger) record(ctx context.Context, serverID uuid.UUID, reason string) {
	if !l.limiter.Allow() {
		return
	}
	query := `INSERT INTO apm_recalc_audit (server_id, reason) VALUES ($1, $2)`
	go func() {
		if _, err := l.db.Exec(ctx, query, serverID.String(), reason); err != nil {
			log.Printf("apm: recalc audit write failed: %v", err)
		}
	}()
}

// Recent returns the most recent recalc audit rows, newest first.
// Operator-facing diagnostic query, not on the aggregator's hot path.
func (l *RecalcAuditLogger) Recent(ctx context.Context, limit int) ([]RecalcEvent, error) {
	query := `
		SELECT id, server_id, reason, timestamp
		FROM apm_recalc_audit
		ORDER BY timestamp DESC
		LIMIT $1
	`
	rows, err := l.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("apm: failed to query recalc audit: %w", err)
	}
	defer rows.Close()

	events := make([]RecalcEvent, 0, limit)
	for rows.Next() {
		var e RecalcEvent
		if err := rows.Scan(&e.ID, &e.ServerID, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("apm: failed to scan recalc audit row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("apm: error iterating recalc audit rows: %w", err)
	}
	return events, nil
}
