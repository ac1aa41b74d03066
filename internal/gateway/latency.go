package gateway

import (
	"sort"
	"sync"

	"github.com/polyvox-ai/polyvox/internal/store"
)

// latencyRecorder collects per-transcript latency samples for one provider.
// Safe for concurrent use; the fan-in goroutines record while teardown
// summarizes.
type latencyRecorder struct {
	mu      sync.Mutex
	samples []float64
}

func (r *latencyRecorder) record(ms float64) {
	if ms <= 0 {
		return
	}
	r.mu.Lock()
	r.samples = append(r.samples, ms)
	r.mu.Unlock()
}

// summary aggregates the samples. Returns nil when no samples were
// collected; empty summaries are never persisted.
func (r *latencyRecorder) summary() *store.LatencySummary {
	r.mu.Lock()
	samples := make([]float64, len(r.samples))
	copy(samples, r.samples)
	r.mu.Unlock()

	n := len(samples)
	if n == 0 {
		return nil
	}
	sort.Float64s(samples)

	var sum float64
	for _, v := range samples {
		sum += v
	}
	return &store.LatencySummary{
		Count: n,
		AvgMs: sum / float64(n),
		P50Ms: quantile(samples, 0.50),
		P95Ms: quantile(samples, 0.95),
		MinMs: samples[0],
		MaxMs: samples[n-1],
	}
}

// quantile computes the q-quantile of sorted values by linear interpolation
// between adjacent ranks: pos = (n-1)·q.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := float64(n-1) * q
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
