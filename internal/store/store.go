// Package store persists per-session summaries produced by the gateway:
// provider transcript counts, latency statistics, and cross-provider
// agreement scores. Two sinks are provided, an append-only JSONL file sink
// and a PostgreSQL sink. Audio is never persisted.
package store

import (
	"context"
	"time"
)

// LatencySummary aggregates the latency samples of one provider within a
// session. All values are in milliseconds. A summary is only attached when
// at least one sample was collected; a nil summary means no transcripts
// carried latency information.
type LatencySummary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avgMs"`
	P50Ms float64 `json:"p50Ms"`
	P95Ms float64 `json:"p95Ms"`
	MinMs float64 `json:"minMs"`
	MaxMs float64 `json:"maxMs"`
}

// ProviderSummary holds per-provider counters for one session.
type ProviderSummary struct {
	Provider     string          `json:"provider"`
	InterimCount int             `json:"interimCount"`
	FinalCount   int             `json:"finalCount"`
	Degraded     bool            `json:"degraded,omitempty"`
	Latency      *LatencySummary `json:"latency,omitempty"`
}

// AgreementScore is the pairwise transcript similarity between two providers
// over the final windows of a session, in [0, 1].
type AgreementScore struct {
	ProviderA string  `json:"providerA"`
	ProviderB string  `json:"providerB"`
	Score     float64 `json:"score"`
}

// SessionSummary is the record written to a [Sink] when a session closes.
type SessionSummary struct {
	SessionID string            `json:"sessionId"`
	Mode      string            `json:"mode"` // "compare" or "voice"
	Language  string            `json:"language,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
	Providers []ProviderSummary `json:"providers"`
	Agreement []AgreementScore  `json:"agreement,omitempty"`
}

// Sink receives session summaries. Implementations must be safe for
// concurrent use; the gateway writes from per-session goroutines.
type Sink interface {
	// WriteSummary appends one session summary. Write failures are logged by
	// the caller and never abort session teardown.
	WriteSummary(ctx context.Context, s SessionSummary) error

	// Close flushes and releases the sink's resources.
	Close() error
}

// Compile-time interface checks.
var (
	_ Sink = (*JSONLSink)(nil)
	_ Sink = (*PostgresSink)(nil)
)
