// Package refresher implements coalescing of tokens into per-environment
// refresh targets, the ticking scheduler that polls upstream, and the
// filtered read paths used by the HTTP surface.
package refresher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flagedge/edge/internal/delta"
	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/featurecache"
	"github.com/flagedge/edge/internal/logging"
	"github.com/flagedge/edge/internal/promexport"
	"github.com/flagedge/edge/internal/token"
	"github.com/flagedge/edge/internal/upstream"
	"github.com/hashicorp/go-multierror"
)

// Broadcaster is the subset of the SSE broadcaster the refresher needs:
// forwarding newly appended delta events to connected subscribers the
// moment the feature cache and delta log have been updated.
type Broadcaster interface {
	Publish(key domain.EnvironmentKey, events []domain.DeltaEvent)
}

// Mode selects how multiple tokens for the same environment are combined.
type Mode int

const (
	ModePlain Mode = iota
	ModeStreaming
)

// Config controls the refresh scheduler.
type Config struct {
	Mode         Mode
	PollInterval time.Duration
	MaxBackoff   time.Duration
	TickInterval time.Duration
}

// Refresher owns the set of RefreshTargets and the background loop that
// drives them.
type Refresher struct {
	cfg     Config
	cache   *featurecache.Cache
	deltaEn *delta.Engine
	tokens  *token.Registry
	client  *upstream.Client
	log     *logging.Logger
	bcast   Broadcaster
	prom    *promexport.Registry

	mu      sync.Mutex
	targets map[domain.EnvironmentKey]*domain.RefreshTarget
	inFlight map[domain.EnvironmentKey]bool
}

// New builds a Refresher. Call Coalesce once at startup with the full set
// of registered tokens before starting the background loop.
func New(cfg Config, cache *featurecache.Cache, deltaEn *delta.Engine, tokens *token.Registry, client *upstream.Client, log *logging.Logger) *Refresher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Refresher{
		cfg:      cfg,
		cache:    cache,
		deltaEn:  deltaEn,
		tokens:   tokens,
		client:   client,
		log:      log,
		targets:  make(map[domain.EnvironmentKey]*domain.RefreshTarget),
		inFlight: make(map[domain.EnvironmentKey]bool),
	}
}

// SetBroadcaster wires the SSE fan-out in so newly diffed events reach
// subscribers as soon as a refresh tick merges an update. Optional: a
// refresher with no broadcaster still drives the caches correctly for plain
// and delta-without-streaming deployments.
func (r *Refresher) SetBroadcaster(b Broadcaster) {
	r.bcast = b
}

// SetInstrumentation wires the Prometheus registry in so refresh outcomes
// are counted. Optional; a nil registry disables the counters.
func (r *Refresher) SetInstrumentation(reg *promexport.Registry) {
	r.prom = reg
}

// Coalesce builds refresh targets from the given tokens. In ModeStreaming,
// more than one token per environment is a startup configuration error,
// reported as a single aggregated multierror naming every offending
// environment. In ModePlain, tokens for the same environment are unioned
// into one target.
func (r *Refresher) Coalesce(tokens []*token.Token) error {
	byEnv := make(map[string][]*token.Token)
	for _, t := range tokens {
		byEnv[t.Environment] = append(byEnv[t.Environment], t)
	}

	if r.cfg.Mode == ModeStreaming {
		var merr *multierror.Error
		for env, ts := range byEnv {
			if len(ts) > 1 {
				scopes := make([]string, 0, len(ts))
				for _, t := range ts {
					scopes = append(scopes, t.CanonicalProjectScope())
				}
				sort.Strings(scopes)
				merr = multierror.Append(merr, fmt.Errorf(
					"environment %q has %d tokens in streaming mode (scopes: %v); configure a single merged-scope token",
					env, len(ts), scopes))
			}
		}
		if merr != nil {
			return merr.ErrorOrNil()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for env, ts := range byEnv {
		projects := unionProjects(ts)
		key := domain.EnvironmentKey{Environment: env, ProjectScope: domain.CanonicalProjectScope(projects)}
		r.targets[key] = &domain.RefreshTarget{
			Key:      key,
			Token:    ts[0].Secret,
			Projects: projects,
		}
	}
	return nil
}

func unionProjects(ts []*token.Token) []string {
	set := map[string]struct{}{}
	for _, t := range ts {
		if t.HasWildcardScope() {
			return []string{"*"}
		}
		for _, p := range t.Projects {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run is the single background refresh loop: it wakes every TickInterval
// and issues at most one in-flight conditional fetch per target whose
// schedule says it is due.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

func (r *Refresher) tick(ctx context.Context, now time.Time) {
	due := r.dueTargets(now)
	for _, target := range due {
		r.refreshOne(ctx, target)
	}
}

func (r *Refresher) dueTargets(now time.Time) []*domain.RefreshTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.RefreshTarget
	for key, t := range r.targets {
		if r.inFlight[key] {
			continue
		}
		if !t.NextAttemptAt.After(now) && now.Sub(t.LastCheckAt) >= r.cfg.PollInterval {
			r.inFlight[key] = true
			due = append(due, t)
		}
	}
	return due
}

func (r *Refresher) refreshOne(ctx context.Context, target *domain.RefreshTarget) {
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, target.Key)
		r.mu.Unlock()
	}()

	result := r.client.FetchFeatures(ctx, target.Token, target.ETag)
	now := time.Now()

	switch result.Outcome {
	case upstream.OutcomeNotModified:
		r.mu.Lock()
		target.LastCheckAt = now
		r.mu.Unlock()

	case upstream.OutcomeOK:
		old, _ := r.cache.Get(target.Key)
		r.cache.Modify(target.Key, target.Projects, result.Set)
		if r.deltaEn != nil {
			merged, _ := r.cache.Get(target.Key)
			appended := r.deltaEn.Diff(target.Key, old, merged)
			if r.bcast != nil && len(appended) > 0 {
				r.bcast.Publish(target.Key, appended)
			}
		}
		r.mu.Lock()
		target.LastRefreshAt = now
		target.LastCheckAt = now
		target.ETag = result.ETag
		target.FailureCount = 0
		r.mu.Unlock()
		if r.prom != nil {
			r.prom.RefreshSuccesses.WithLabelValues(target.Key.Environment).Inc()
		}

	case upstream.OutcomeFatal, upstream.OutcomeGone:
		// Only 401/403 condemn the token; a 404 drops the environment alone.
		if result.Outcome == upstream.OutcomeFatal {
			r.tokens.SetStatus(target.Token, token.StatusInvalid)
		}
		r.cache.Remove(target.Key)
		r.mu.Lock()
		delete(r.targets, target.Key)
		r.mu.Unlock()
		if r.log != nil {
			r.log.WithFields(map[string]any{"environment": target.Key.Environment}).Warn("refresh target removed after fatal upstream response")
		}
		if r.prom != nil {
			r.prom.RefreshFailures.WithLabelValues(target.Key.Environment, "fatal").Inc()
		}

	default: // OutcomeRetryable
		r.mu.Lock()
		target.FailureCount++
		target.LastCheckAt = now
		target.NextAttemptAt = now.Add(backoff(target.FailureCount, r.cfg.MaxBackoff))
		r.mu.Unlock()
		if r.prom != nil {
			r.prom.RefreshFailures.WithLabelValues(target.Key.Environment, "retryable").Inc()
		}
	}
}

func backoff(failureCount int, max time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < failureCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// FeaturesForFilter filters the cached set for an environment by a token's
// project scope. No name-prefix filter is applied here.
func (r *Refresher) FeaturesForFilter(key domain.EnvironmentKey, projects []string) *domain.FeatureSet {
	fs, ok := r.cache.Get(key)
	if !ok {
		return nil
	}
	return fs.FilterByProjects(projects)
}

// DeltaEventsForFilter delegates to the delta engine with the given filter
// and cursor.
func (r *Refresher) DeltaEventsForFilter(key domain.EnvironmentKey, filter delta.Filter, sinceEventID uint32) []domain.DeltaEvent {
	if r.deltaEn == nil {
		return nil
	}
	return r.deltaEn.EventsSince(key, sinceEventID, filter)
}

// Targets returns a snapshot of all refresh targets, for diagnostics.
func (r *Refresher) Targets() []*domain.RefreshTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.RefreshTarget, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	return out
}
