// Package metricsagg implements usage-count bucketing, client
// application registration with connect-via provenance, and the periodic
// flush loop that uploads to upstream with retry-or-discard semantics.
package metricsagg

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/logging"
	"github.com/flagedge/edge/internal/promexport"
	"github.com/flagedge/edge/internal/resilience"
	"github.com/flagedge/edge/internal/upstream"
)

// VariantCounts is a per-variant usage tally.
type VariantCounts map[string]int64

// metricsWindow is the granularity usage counts are bucketed at: reports
// whose windows fall inside the same hour share one bucket, reports from
// distinct hours stay separate.
const metricsWindow = time.Hour

// Aggregator owns the live metrics buckets and client-application registry.
type Aggregator struct {
	cfg    Config
	client *upstream.Client
	token  string
	log    *logging.Logger
	gate   *resilience.PushGate
	prom   *promexport.Registry

	mu      sync.Mutex
	buckets map[bucketKey]*domain.MetricsBucket
	clients map[clientKey]domain.ClientApplication
}

// bucketKey adds the time-bucket dimension to the identity key, so two
// windows from different hours never collapse into one upload row.
type bucketKey struct {
	domain.MetricsBucketKey
	window int64 // unix seconds of the window start, truncated to metricsWindow
}

type clientKey struct {
	appName    string
	instanceID string
}

// Config controls the flush loop.
type Config struct {
	FlushInterval time.Duration
	// SelfAppName/SelfInstanceID name this edge instance for connect-via
	// provenance chaining when it relays bulk metrics upstream.
	SelfAppName    string
	SelfInstanceID string
}

// New returns an empty Aggregator. token is the upstream credential used
// for the flush loop's POST; client performs the actual HTTP call.
func New(cfg Config, client *upstream.Client, token string, log *logging.Logger) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &Aggregator{
		cfg:     cfg,
		client:  client,
		token:   token,
		log:     log,
		gate:    resilience.NewPushGate(resilience.DefaultPushGateConfig()),
		buckets: make(map[bucketKey]*domain.MetricsBucket),
		clients: make(map[clientKey]domain.ClientApplication),
	}
}

// SetInstrumentation wires the Prometheus registry in so flush outcomes are
// counted. Optional; a nil registry disables the counters.
func (a *Aggregator) SetInstrumentation(reg *promexport.Registry) {
	a.prom = reg
}

// FeatureUsage is one flag's yes/no/variant tally within a report window.
type FeatureUsage struct {
	Yes, No  int64
	Variants VariantCounts
}

// IngestClientMetrics merges a single application's recent usage window
// into the live buckets.
func (a *Aggregator) IngestClientMetrics(appName, instanceID, environment string, windowStart, windowEnd time.Time, perFeature map[string]FeatureUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for feature, counts := range perFeature {
		key := domain.MetricsBucketKey{AppName: appName, InstanceID: instanceID, Environment: environment, FeatureName: feature}
		a.mergeLocked(key, windowStart, windowEnd, counts.Yes, counts.No, counts.Variants)
	}
}

// IngestBulkMetrics merges a pre-aggregated body received from an
// upstream-of-this-edge relay (edge-to-edge fan-out), recording the
// connect-via hop.
func (a *Aggregator) IngestBulkMetrics(buckets []domain.MetricsBucket, viaAppName, viaInstanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range buckets {
		a.mergeLocked(b.Key, b.WindowStart, b.WindowEnd, b.YesCount, b.NoCount, b.VariantCounts)
	}
	if viaAppName != "" {
		ck := clientKey{appName: viaAppName, instanceID: viaInstanceID}
		if app, ok := a.clients[ck]; ok {
			app.ConnectVia = append(app.ConnectVia, a.cfg.SelfAppName)
			a.clients[ck] = app
		}
	}
}

func (a *Aggregator) mergeLocked(key domain.MetricsBucketKey, start, end time.Time, yes, no int64, variants VariantCounts) {
	bk := bucketKey{MetricsBucketKey: key, window: start.Truncate(metricsWindow).Unix()}
	b, ok := a.buckets[bk]
	if !ok {
		b = &domain.MetricsBucket{Key: key, WindowStart: start, WindowEnd: end, VariantCounts: map[string]int64{}}
		a.buckets[bk] = b
	}
	b.YesCount += yes
	b.NoCount += no
	if start.Before(b.WindowStart) {
		b.WindowStart = start
	}
	if end.After(b.WindowEnd) {
		b.WindowEnd = end
	}
	for variant, count := range variants {
		b.VariantCounts[variant] += count
	}
}

// RegisterClient upserts a ClientApplication registration, recording this
// edge instance as the first connect-via hop.
func (a *Aggregator) RegisterClient(app domain.ClientApplication) {
	a.mu.Lock()
	defer a.mu.Unlock()
	app.ConnectVia = append(append([]string(nil), app.ConnectVia...), a.cfg.SelfAppName)
	a.clients[clientKey{appName: app.AppName, instanceID: app.InstanceID}] = app
}

// snapshot drains and resets the live buckets, returning them for upload.
func (a *Aggregator) snapshot() []domain.MetricsBucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.MetricsBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, *b)
	}
	a.buckets = make(map[bucketKey]*domain.MetricsBucket)
	return out
}

func (a *Aggregator) mergeBack(buckets []domain.MetricsBucket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range buckets {
		a.mergeLocked(b.Key, b.WindowStart, b.WindowEnd, b.YesCount, b.NoCount, b.VariantCounts)
	}
}

// RunFlushLoop drains a snapshot of the live buckets every FlushInterval and
// posts it upstream. A retryable failure merges the snapshot back into the
// live counters so the next tick retries the combined total; a fatal
// failure discards the snapshot, per the flush loop's design.
func (a *Aggregator) RunFlushLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.flushOnce(ctx)
		}
	}
}

func (a *Aggregator) flushOnce(ctx context.Context) {
	snapshot := a.snapshot()
	if len(snapshot) == 0 {
		return
	}
	body, err := json.Marshal(map[string]any{"metrics": snapshot})
	if err != nil {
		if a.log != nil {
			a.log.WithFields(map[string]any{"error": err.Error()}).Error("failed to marshal metrics snapshot")
		}
		return
	}

	now := time.Now()
	if !a.gate.Allow(now) {
		// Upstream is presumed unreachable; keep the counts and let a later
		// tick retry the combined total once the gate reopens.
		a.mergeBack(snapshot)
		a.countFlush("skipped")
		return
	}

	switch a.client.PostBatchMetrics(ctx, a.token, body) {
	case upstream.OutcomeRetryable:
		a.gate.RecordFailure(now)
		a.mergeBack(snapshot)
		a.countFlush("retryable")
	case upstream.OutcomeFatal, upstream.OutcomeGone:
		// Upstream answered, so the transport is fine; the snapshot itself
		// is what got rejected.
		a.gate.RecordSuccess()
		if a.log != nil {
			a.log.WithFields(map[string]any{"bucket_count": len(snapshot)}).Warn("metrics snapshot discarded after fatal upstream response")
		}
		a.countFlush("fatal")
	default:
		a.gate.RecordSuccess()
		a.countFlush("ok")
	}
}

func (a *Aggregator) countFlush(outcome string) {
	if a.prom != nil {
		a.prom.MetricsFlushTotal.WithLabelValues(outcome).Inc()
	}
}
