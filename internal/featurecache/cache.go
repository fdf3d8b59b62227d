// Package featurecache implements the per-environment feature cache,
// its project-scoped merge rule, and its change-notification channel.
package featurecache

import (
	"sync"

	"github.com/flagedge/edge/internal/domain"
)

// Cache is the concurrency-safe, per-environment FeatureSet store: one map
// keyed by EnvironmentKey, guarded by one RWMutex shared by every
// environment, so writes to different environments are not concurrent with
// each other. The cache never does upstream I/O while holding it.
type Cache struct {
	mu   sync.RWMutex
	sets map[domain.EnvironmentKey]*domain.FeatureSet

	subMu       sync.Mutex
	subscribers []chan domain.EnvironmentKey
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{sets: make(map[domain.EnvironmentKey]*domain.FeatureSet)}
}

// Get returns the cached FeatureSet for key, if any.
func (c *Cache) Get(key domain.EnvironmentKey) (*domain.FeatureSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fs, ok := c.sets[key]
	return fs, ok
}

// Insert replaces the cached FeatureSet for key wholesale.
func (c *Cache) Insert(key domain.EnvironmentKey, fs *domain.FeatureSet) {
	fs.SortInPlace()
	c.mu.Lock()
	c.sets[key] = fs
	c.mu.Unlock()
	c.publish(key)
}

// Remove drops an environment's cache entry entirely, used when upstream
// reports
// the environment as no longer provisioned (404).
func (c *Cache) Remove(key domain.EnvironmentKey) {
	c.mu.Lock()
	delete(c.sets, key)
	c.mu.Unlock()
	c.publish(key)
}

// Modify applies the project-scoped merge rule for an update fetched using a
// token scoped to tokenProjects. A wildcard scope ({"*"}) replaces the
// environment's feature list wholesale; a scoped token's update only
// overwrites features in its own projects and leaves the rest untouched.
func (c *Cache) Modify(key domain.EnvironmentKey, tokenProjects []string, update *domain.FeatureSet) {
	c.mu.Lock()
	existing, had := c.sets[key]
	merged := merge(existing, had, tokenProjects, update)
	c.sets[key] = merged
	c.mu.Unlock()
	c.publish(key)
}

func merge(existing *domain.FeatureSet, had bool, tokenProjects []string, update *domain.FeatureSet) *domain.FeatureSet {
	if !had || domain.CanonicalProjectScope(tokenProjects) == "*" {
		out := update.Clone()
		if had && existing.Query != nil && out.Query == nil {
			out.Query = existing.Query
		}
		out.SortInPlace()
		return out
	}

	owned := make(map[string]struct{}, len(tokenProjects))
	for _, p := range tokenProjects {
		owned[p] = struct{}{}
	}

	out := &domain.FeatureSet{Version: maxInt(existing.Version, update.Version)}
	for _, f := range existing.Features {
		if _, ownedByToken := owned[f.Project]; !ownedByToken {
			out.Features = append(out.Features, f)
		}
	}
	out.Features = append(out.Features, update.Features...)

	segByID := make(map[int]domain.Segment, len(existing.Segments)+len(update.Segments))
	for _, s := range existing.Segments {
		segByID[s.ID] = s
	}
	for _, s := range update.Segments {
		segByID[s.ID] = s // incoming version wins
	}
	for _, s := range segByID {
		out.Segments = append(out.Segments, s)
	}

	if existing.Query != nil {
		out.Query = existing.Query
	} else {
		out.Query = update.Query
	}

	out.SortInPlace()
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Subscribe returns a channel that receives an EnvironmentKey every time
// that environment's cache entry changes. The channel is buffered; the
// consumer is
// expected to drain it promptly.
func (c *Cache) Subscribe() <-chan domain.EnvironmentKey {
	ch := make(chan domain.EnvironmentKey, 64)
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Cache) publish(key domain.EnvironmentKey) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- key:
		default:
			// A slow subscriber does not block cache writers; it will pick
			// up the current state on its next successful read.
		}
	}
}

// Size reports how many environments are cached, for the backstage info
// endpoint.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sets)
}

// Environments lists every cached EnvironmentKey, for the backstage info
// endpoint and the gauge-stats loop.
func (c *Cache) Environments() []domain.EnvironmentKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.EnvironmentKey, 0, len(c.sets))
	for k := range c.sets {
		out = append(out, k)
	}
	return out
}

// Snapshot returns every (EnvironmentKey, FeatureSet) pair for the
// persistence loop to save.
func (c *Cache) Snapshot() map[domain.EnvironmentKey]*domain.FeatureSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.EnvironmentKey]*domain.FeatureSet, len(c.sets))
	for k, v := range c.sets {
		out[k] = v.Clone()
	}
	return out
}

// LoadSnapshot seeds the cache from a persistence cold-load, bypassing
// publish since
// there are no subscribers yet at bootstrap time.
func (c *Cache) LoadSnapshot(snapshot map[domain.EnvironmentKey]*domain.FeatureSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range snapshot {
		v.SortInPlace()
		c.sets[k] = v
	}
}
