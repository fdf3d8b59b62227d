// Package resilience provides the gate guarding the edge's fire-and-forget
// upstream push, the metrics upload. The refresh path
// does not use it: retry state for refreshes lives on each RefreshTarget,
// and a shared gate there would couple unrelated environments' failure
// handling.
package resilience

import (
	"sync"
	"time"
)

// PushGateConfig controls when the gate trips and how long it stays shut.
type PushGateConfig struct {
	// MaxFailures is how many consecutive transport failures are tolerated
	// before the gate trips shut.
	MaxFailures int
	// BaseCooldown is the first shut period; each failed probe after it
	// doubles the next one.
	BaseCooldown time.Duration
	// MaxCooldown caps the doubling.
	MaxCooldown time.Duration
}

// DefaultPushGateConfig trips after three consecutive failures and starts
// with a cooldown longer than one metrics flush interval, so a dead
// upstream costs one skipped flush rather than a POST per tick.
func DefaultPushGateConfig() PushGateConfig {
	return PushGateConfig{
		MaxFailures:  3,
		BaseCooldown: 15 * time.Second,
		MaxCooldown:  2 * time.Minute,
	}
}

// PushGate tracks consecutive transport failures of an upstream push and
// tells the caller to skip the push entirely while the upstream is presumed
// unreachable. Only transport-level failures count: an upstream that
// answers — even with a fatal status — is reachable, and the caller's own
// outcome handling applies.
//
// Once tripped, the first push allowed after the cooldown acts as the
// probe. If it fails the gate shuts again for twice as long, up to the
// cap; if it succeeds the gate resets fully.
type PushGate struct {
	mu          sync.Mutex
	cfg         PushGateConfig
	consecutive int
	tripped     bool
	openUntil   time.Time
	cooldown    time.Duration
}

// NewPushGate returns an untripped gate.
func NewPushGate(cfg PushGateConfig) *PushGate {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = 15 * time.Second
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = 2 * time.Minute
	}
	return &PushGate{cfg: cfg, cooldown: cfg.BaseCooldown}
}

// Allow reports whether a push should be attempted now. It never consumes
// anything; the caller reports what happened via RecordSuccess or
// RecordFailure.
func (g *PushGate) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !now.Before(g.openUntil)
}

// RecordSuccess resets the gate completely: failure count, trip flag, and
// cooldown all return to their initial values.
func (g *PushGate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive = 0
	g.tripped = false
	g.openUntil = time.Time{}
	g.cooldown = g.cfg.BaseCooldown
}

// RecordFailure counts one transport failure. Crossing MaxFailures trips
// the gate; any failure while already tripped (a failed probe) shuts it
// again with a doubled cooldown.
func (g *PushGate) RecordFailure(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive++
	if !g.tripped && g.consecutive < g.cfg.MaxFailures {
		return
	}
	g.tripped = true
	g.openUntil = now.Add(g.cooldown)
	g.cooldown *= 2
	if g.cooldown > g.cfg.MaxCooldown {
		g.cooldown = g.cfg.MaxCooldown
	}
}

// Tripped reports whether the gate has shut at least once since the last
// success, for diagnostics.
func (g *PushGate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}
