package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT         PRIMARY KEY,
    mode        TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    agreement   JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_started_at
    ON session_summaries (started_at);

CREATE TABLE IF NOT EXISTS provider_summaries (
    session_id     TEXT    NOT NULL REFERENCES session_summaries (session_id) ON DELETE CASCADE,
    provider       TEXT    NOT NULL,
    interim_count  INT     NOT NULL DEFAULT 0,
    final_count    INT     NOT NULL DEFAULT 0,
    degraded       BOOLEAN NOT NULL DEFAULT false,
    latency_count  INT,
    latency_avg_ms DOUBLE PRECISION,
    latency_p50_ms DOUBLE PRECISION,
    latency_p95_ms DOUBLE PRECISION,
    latency_min_ms DOUBLE PRECISION,
    latency_max_ms DOUBLE PRECISION,
    PRIMARY KEY (session_id, provider)
);
`

// PostgresSink writes session summaries into two tables, session_summaries
// and provider_summaries, sharing one [pgxpool.Pool]. Latency columns are
// NULL for providers that produced no latency samples.
//
// All methods are safe for concurrent use.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the database at dsn, pings it, and runs the
// idempotent migration.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: migrate: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Migrate creates or ensures the summary tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSummaries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// WriteSummary implements [Sink]. The session row and all provider rows are
// written in a single transaction.
func (s *PostgresSink) WriteSummary(ctx context.Context, sum SessionSummary) error {
	agreement, err := json.Marshal(sum.Agreement)
	if err != nil {
		return fmt.Errorf("postgres sink: marshal agreement: %w", err)
	}
	if sum.Agreement == nil {
		agreement = []byte("[]")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres sink: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSession = `
		INSERT INTO session_summaries (session_id, mode, language, started_at, ended_at, agreement)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insertSession,
		sum.SessionID, sum.Mode, sum.Language, sum.StartedAt, sum.EndedAt, agreement,
	); err != nil {
		return fmt.Errorf("postgres sink: insert session: %w", err)
	}

	const insertProvider = `
		INSERT INTO provider_summaries
		    (session_id, provider, interim_count, final_count, degraded,
		     latency_count, latency_avg_ms, latency_p50_ms, latency_p95_ms, latency_min_ms, latency_max_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	for _, p := range sum.Providers {
		var count *int
		var avg, p50, p95, min, max *float64
		if l := p.Latency; l != nil {
			count, avg, p50, p95, min, max = &l.Count, &l.AvgMs, &l.P50Ms, &l.P95Ms, &l.MinMs, &l.MaxMs
		}
		if _, err := tx.Exec(ctx, insertProvider,
			sum.SessionID, p.Provider, p.InterimCount, p.FinalCount, p.Degraded,
			count, avg, p50, p95, min, max,
		); err != nil {
			return fmt.Errorf("postgres sink: insert provider %s: %w", p.Provider, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres sink: commit: %w", err)
	}
	return nil
}

// Close implements [Sink].
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
