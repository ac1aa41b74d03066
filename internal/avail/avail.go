// Package avail maintains a TTL-cached view of provider availability.
// Availability for a provider is the conjunction of its configured checks
// (secret presence, readiness endpoint, websocket handshake); a failed check
// never propagates as an error but is stored as available=false with a
// human-readable reason. The gateway consults the cache for admission
// control before starting adapters.
package avail

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Availability is the cached probe outcome for one provider.
type Availability struct {
	Provider  string    `json:"provider"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// defaultTTL is how long a snapshot stays fresh.
const defaultTTL = 5 * time.Second

// Cache computes and caches provider availability. Concurrent callers that
// miss the TTL share a single refresh via singleflight. Replacing the probe
// set (config reload) invalidates the snapshot.
type Cache struct {
	ttl time.Duration

	mu        sync.Mutex
	probes    []Probe
	snapshot  []Availability
	fetchedAt time.Time

	sf singleflight.Group
}

// Option configures a [Cache].
type Option func(*Cache)

// WithTTL overrides the snapshot TTL. The default is 5 seconds.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// New creates a cache over the given probes. Nothing is probed until the
// first [Cache.Get].
func New(probes []Probe, opts ...Option) *Cache {
	c := &Cache{ttl: defaultTTL, probes: probes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the availability of every configured provider, sorted by
// provider name. A snapshot younger than the TTL is returned as-is unless
// force is set; otherwise all probes run once, shared across concurrent
// callers.
func (c *Cache) Get(ctx context.Context, force bool) []Availability {
	c.mu.Lock()
	if !force && c.snapshot != nil && time.Since(c.fetchedAt) < c.ttl {
		snap := c.snapshot
		c.mu.Unlock()
		return snap
	}
	probes := c.probes
	c.mu.Unlock()

	// All concurrent refreshers share one computation. The result is
	// immutable after publication so returning it without copying is safe.
	v, _, _ := c.sf.Do("refresh", func() (any, error) {
		snap := runProbes(ctx, probes)
		c.mu.Lock()
		c.snapshot = snap
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return snap, nil
	})
	return v.([]Availability)
}

// Provider returns the availability of a single provider. The second return
// is false when the provider has no configured probe.
func (c *Cache) Provider(ctx context.Context, name string) (Availability, bool) {
	for _, a := range c.Get(ctx, false) {
		if a.Provider == name {
			return a, true
		}
	}
	return Availability{}, false
}

// Invalidate discards the cached snapshot. The next Get probes again.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// SetProbes replaces the probe set and invalidates the snapshot. Called on
// config reload when the provider section changed.
func (c *Cache) SetProbes(probes []Probe) {
	c.mu.Lock()
	c.probes = probes
	c.snapshot = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// runProbes evaluates every probe concurrently and returns the results
// sorted by provider name.
func runProbes(ctx context.Context, probes []Probe) []Availability {
	out := make([]Availability, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = p.run(ctx)
		}()
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
