package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flagedge/edge/internal/broadcaster"
	"github.com/flagedge/edge/internal/delta"
	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/featurecache"
	"github.com/flagedge/edge/internal/metricsagg"
	"github.com/flagedge/edge/internal/token"
	"github.com/flagedge/edge/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	accept map[string]bool
}

func (f *fakeValidator) ValidateTokens(ctx context.Context, secrets []string) ([]string, error) {
	var out []string
	for _, s := range secrets {
		if f.accept[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

type fixture struct {
	server   *Server
	handler  http.Handler
	tokens   *token.Registry
	cache    *featurecache.Cache
	deltaEn  *delta.Engine
	validate *fakeValidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens := token.NewRegistry()
	cache := featurecache.New()
	deltaEn := delta.New(100)
	bcast := broadcaster.New(deltaEn)
	validate := &fakeValidator{accept: map[string]bool{}}

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(upstreamSrv.Close)
	client := upstream.New(upstream.Config{BaseURL: upstreamSrv.URL}, nil)
	agg := metricsagg.New(metricsagg.Config{FlushInterval: time.Hour, SelfAppName: "edge-test"}, client, "", nil)

	srv := NewServer(Deps{
		Tokens:      tokens,
		Upstream:    validate,
		Cache:       cache,
		DeltaEngine: deltaEn,
		Broadcaster: bcast,
		Metrics:     agg,
	})
	srv.MarkReady()
	return &fixture{
		server:   srv,
		handler:  srv.Router(),
		tokens:   tokens,
		cache:    cache,
		deltaEn:  deltaEn,
		validate: validate,
	}
}

func (f *fixture) trust(t *testing.T, secret string) *token.Token {
	t.Helper()
	parsed, err := token.Parse(secret)
	require.NoError(t, err)
	parsed.Status = token.StatusTrusted
	return f.tokens.Register(parsed)
}

func (f *fixture) do(method, path, auth string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestClientFeaturesFiltersByTokenScope(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "[p1]:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "p1"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 2, Features: []domain.Feature{
		{Name: "a", Project: "p1"},
		{Name: "b", Project: "p2"},
	}})

	rec := f.do(http.MethodGet, "/api/client/features", "[p1]:dev.s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"a"`)
	assert.NotContains(t, body, `"b"`)
	assert.True(t, strings.HasPrefix(rec.Header().Get("ETag"), `W/"`))
}

func TestClientFeaturesSecondRequestWithETagGets304(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 1, Features: []domain.Feature{{Name: "a", Project: "p1"}}})

	first := f.do(http.MethodGet, "/api/client/features", "*:dev.s1", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	second := f.do(http.MethodGet, "/api/client/features", "*:dev.s1", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.Bytes())
}

func TestClientFeaturesCacheMissReturns503(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")

	rec := f.do(http.MethodGet, "/api/client/features", "*:dev.s1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInvalidatedTokenReturns401(t *testing.T) {
	f := newFixture(t)
	tok := f.trust(t, "*:dev.s1")
	f.tokens.SetStatus(tok.Secret, token.StatusInvalid)

	rec := f.do(http.MethodGet, "/api/client/features", "*:dev.s1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownTokenValidatedUpstreamThenAccepted(t *testing.T) {
	f := newFixture(t)
	f.validate.accept["*:dev.fresh"] = true
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 1})

	rec := f.do(http.MethodGet, "/api/client/features", "*:dev.fresh", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rejected := f.do(http.MethodGet, "/api/client/features", "*:dev.rejected", nil)
	assert.Equal(t, http.StatusUnauthorized, rejected.Code)
}

func TestMalformedTokenReturns401(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/client/features", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingAuthorizationReturns401(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/client/features", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenBoundToClientSurfaceRejectedOnFrontend(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 1})

	first := f.do(http.MethodGet, "/api/client/features", "*:dev.s1", nil)
	require.Equal(t, http.StatusOK, first.Code)

	cross := f.do(http.MethodGet, "/api/frontend", "*:dev.s1", nil)
	assert.Equal(t, http.StatusForbidden, cross.Code)
}

func TestPathNormalizationRoutesDoubledSlashes(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 1})

	for _, path := range []string{"/api/client/features/", "/api//client//features"} {
		rec := f.do(http.MethodGet, path, "*:dev.s1", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "path %q must route like the canonical one", path)
	}
}

func TestClientDeltaZeroCursorReturnsHydration(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.deltaEn.Diff(key, nil, &domain.FeatureSet{Features: []domain.Feature{{Name: "a", Project: "p1"}}})

	rec := f.do(http.MethodGet, "/api/client/delta", "*:dev.s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events"`)
}

func TestClientDeltaMalformedCursorTreatedAsZero(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.deltaEn.Diff(key, nil, &domain.FeatureSet{Features: []domain.Feature{{Name: "a"}}})

	withGarbage := f.do(http.MethodGet, "/api/client/delta", "*:dev.s1", map[string]string{"If-None-Match": "garbage"})
	clean := f.do(http.MethodGet, "/api/client/delta", "*:dev.s1", nil)
	require.Equal(t, http.StatusOK, withGarbage.Code)
	assert.Equal(t, clean.Body.String(), withGarbage.Body.String())
}

func TestEdgeValidateEchoesAcceptedSubset(t *testing.T) {
	f := newFixture(t)
	f.validate.accept["*:dev.good"] = true

	req := httptest.NewRequest(http.MethodPost, "/edge/validate", strings.NewReader(`{"tokens":["*:dev.good","*:dev.bad"]}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "*:dev.good")
	assert.NotContains(t, rec.Body.String(), "*:dev.bad")
}

func TestFrontendReturnsEvaluatedToggles(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.fe")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 1, Features: []domain.Feature{
		{Name: "on-flag", Project: "p1", Enabled: true},
		{Name: "off-flag", Project: "p1", Enabled: false},
	}})

	rec := f.do(http.MethodGet, "/api/frontend", "*:dev.fe", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "on-flag")
}

func TestClientMetricsAccepted(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")

	body := `{"appName":"app","instanceId":"i1","environment":"dev","bucket":{"start":"2026-01-01T00:00:00Z","stop":"2026-01-01T00:01:00Z","toggles":{"flagX":{"yes":3,"no":2}}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/client/metrics", strings.NewReader(body))
	req.Header.Set("Authorization", "*:dev.s1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthReflectsReadiness(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/internal-backstage/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	cold := NewServer(Deps{Tokens: token.NewRegistry(), Cache: featurecache.New()})
	recCold := httptest.NewRecorder()
	cold.Router().ServeHTTP(recCold, httptest.NewRequest(http.MethodGet, "/internal-backstage/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recCold.Code)
}

func TestBackstageMetricsExposition(t *testing.T) {
	f := newFixture(t)
	f.trust(t, "*:dev.s1")
	key := domain.EnvironmentKey{Environment: "dev", ProjectScope: "*"}
	f.cache.Insert(key, &domain.FeatureSet{Version: 1})
	f.do(http.MethodGet, "/api/client/features", "*:dev.s1", nil)

	rec := f.do(http.MethodGet, "/internal-backstage/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unleash_edge_http_requests_total")
}
