package metricsagg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T, handler http.HandlerFunc) *Aggregator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := upstream.New(upstream.Config{BaseURL: srv.URL}, nil)
	return New(Config{FlushInterval: time.Hour, SelfAppName: "edge-1"}, client, "*:prod.secret", nil)
}

func TestIngestClientMetricsMergesCounts(t *testing.T) {
	a := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Now()

	a.IngestClientMetrics("app", "inst-1", "production", now, now.Add(5*time.Second), map[string]FeatureUsage{
		"flagX": {Yes: 3, No: 2},
	})
	a.IngestClientMetrics("app", "inst-1", "production", now, now.Add(10*time.Second), map[string]FeatureUsage{
		"flagX": {Yes: 1, No: 1},
	})

	snapshot := a.snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(4), snapshot[0].YesCount)
	assert.Equal(t, int64(3), snapshot[0].NoCount)
}

func TestRegisterClientRecordsConnectVia(t *testing.T) {
	a := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	a.RegisterClient(domain.ClientApplication{AppName: "app", InstanceID: "inst-1"})

	app, ok := a.clients[clientKey{appName: "app", instanceID: "inst-1"}]
	require.True(t, ok)
	assert.Equal(t, []string{"edge-1"}, app.ConnectVia)
}

func TestFlushRetryableMergesSnapshotBack(t *testing.T) {
	a := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	now := time.Now()
	a.IngestClientMetrics("app", "inst-1", "production", now, now, map[string]FeatureUsage{"flagX": {Yes: 1}})

	a.flushOnce(context.Background())

	a.mu.Lock()
	key := bucketKey{
		MetricsBucketKey: domain.MetricsBucketKey{AppName: "app", InstanceID: "inst-1", Environment: "production", FeatureName: "flagX"},
		window:           now.Truncate(metricsWindow).Unix(),
	}
	_, retained := a.buckets[key]
	a.mu.Unlock()
	assert.True(t, retained, "a retryable flush failure must merge the snapshot back into live counters")
}

func TestFlushFatalDiscardsSnapshot(t *testing.T) {
	a := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	now := time.Now()
	a.IngestClientMetrics("app", "inst-1", "production", now, now, map[string]FeatureUsage{"flagX": {Yes: 1}})

	a.flushOnce(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.buckets, "a fatal flush failure must discard the snapshot")
}

func TestDistinctHourWindowsStaySeparate(t *testing.T) {
	a := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	a.IngestClientMetrics("app", "inst-1", "production", base.Add(5*time.Minute), base.Add(6*time.Minute), map[string]FeatureUsage{
		"flagX": {Yes: 1},
	})
	a.IngestClientMetrics("app", "inst-1", "production", base.Add(65*time.Minute), base.Add(66*time.Minute), map[string]FeatureUsage{
		"flagX": {Yes: 2},
	})

	snapshot := a.snapshot()
	assert.Len(t, snapshot, 2, "reports from different hours must not collapse into one bucket")
}
