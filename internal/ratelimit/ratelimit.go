// Package ratelimit provides a per-key request limiter, which the HTTP
// surface keys by client IP, protecting the edge from a single
// misbehaving client hammering the cache.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the per-key token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleExpiry is how long an untouched key's limiter is kept before
	// PerKeyLimiter.Sweep reclaims it.
	IdleExpiry time.Duration
}

// DefaultConfig matches the default client poll cadence with room for
// burst catch-up after a reconnect.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             20,
		IdleExpiry:        10 * time.Minute,
	}
}

type entry struct {
	limiter    *rate.Limiter
	lastTouch  time.Time
}

// PerKeyLimiter holds one token bucket per key (typically a token secret or
// client IP), created lazily on first use.
type PerKeyLimiter struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
}

// New returns an empty per-key limiter.
func New(cfg Config) *PerKeyLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 4)
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = 10 * time.Minute
	}
	return &PerKeyLimiter{cfg: cfg, entries: make(map[string]*entry)}
}

// Allow reports whether a request under key may proceed, consuming one
// token from that key's bucket if so.
func (l *PerKeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.entries[key] = e
	}
	e.lastTouch = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// Sweep removes limiters untouched for longer than IdleExpiry, bounding
// memory growth from a long tail of one-shot callers. It should be called
// periodically by the supervisor, not on the request path.
func (l *PerKeyLimiter) Sweep() (removed int) {
	cutoff := time.Now().Add(-l.cfg.IdleExpiry)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if e.lastTouch.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports how many distinct keys currently hold a limiter.
func (l *PerKeyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
