// Package httpapi implements the HTTP surface: routing, the middleware
// chain, request extractors, and the handlers for every client, frontend,
// edge, and backstage route. It consumes the token registry, upstream
// client, feature cache, refresher, delta engine, broadcaster, and metrics
// aggregator purely through their public operations.
package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/flagedge/edge/internal/broadcaster"
	"github.com/flagedge/edge/internal/delta"
	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/featurecache"
	"github.com/flagedge/edge/internal/logging"
	"github.com/flagedge/edge/internal/metricsagg"
	"github.com/flagedge/edge/internal/promexport"
	"github.com/flagedge/edge/internal/ratelimit"
	"github.com/flagedge/edge/internal/refresher"
	"github.com/flagedge/edge/internal/token"
	"github.com/gorilla/mux"
)

// Config controls the HTTP surface's middleware and read-path behavior.
type Config struct {
	BasePath  string
	IPAllow   []string
	IPDeny    []string
	RateLimit ratelimit.Config
	BuildSHA  string
}

// Server holds every dependency the HTTP surface reads from or writes to.
// It never owns background-loop goroutines itself (those belong to the
// supervisor); it only exposes the request path.
type Server struct {
	cfg       Config
	tokens    *token.Registry
	upstream  upstreamValidator
	cache     *featurecache.Cache
	refresher *refresher.Refresher // optional: nil means "read the cache directly"
	deltaEn   *delta.Engine
	bcast     *broadcaster.Broadcaster
	metrics   *metricsagg.Aggregator
	promreg   *promexport.Registry
	evaluator Evaluator
	log       *logging.Logger
	limiter   *ratelimit.PerKeyLimiter

	startedAt time.Time
	ready     atomic.Bool
}

// Deps bundles everything NewServer needs. Refresher, DeltaEngine, and
// Broadcaster are optional: a plain-mode deployment with no delta/streaming
// support leaves them nil and the corresponding routes respond 503.
type Deps struct {
	Config      Config
	Tokens      *token.Registry
	Upstream    upstreamValidator
	Cache       *featurecache.Cache
	Refresher   *refresher.Refresher
	DeltaEngine *delta.Engine
	Broadcaster *broadcaster.Broadcaster
	Metrics     *metricsagg.Aggregator
	PromRegistry *promexport.Registry
	Evaluator   Evaluator
	Logger      *logging.Logger
}

// NewServer assembles a Server from Deps, defaulting the Evaluator to the
// bundled static one and the Prometheus registry to a fresh instance.
func NewServer(d Deps) *Server {
	if d.Evaluator == nil {
		d.Evaluator = NewStaticEvaluator()
	}
	if d.PromRegistry == nil {
		d.PromRegistry = promexport.New()
	}
	s := &Server{
		cfg:       d.Config,
		tokens:    d.Tokens,
		upstream:  d.Upstream,
		cache:     d.Cache,
		refresher: d.Refresher,
		deltaEn:   d.DeltaEngine,
		bcast:     d.Broadcaster,
		metrics:   d.Metrics,
		promreg:   d.PromRegistry,
		evaluator: d.Evaluator,
		log:       d.Logger,
		startedAt: time.Now(),
	}
	if d.Config.RateLimit.RequestsPerSecond > 0 || d.Config.RateLimit.Burst > 0 {
		s.limiter = ratelimit.New(d.Config.RateLimit)
	} else {
		s.limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	return s
}

// MarkReady flips the readiness flag the health endpoint reports, called
// once the persistence bootstrap cold-load completes.
func (s *Server) MarkReady() { s.ready.Store(true) }

// Router builds the full gorilla/mux router with the middleware chain
// applied outside-in: path normalization, IP allow-list, IP
// deny-list, request logger, recovery, rate limit, metrics — then the
// per-route auth/ETag middleware, then the handler.
func (s *Server) Router() http.Handler {
	root := mux.NewRouter()
	if s.cfg.BasePath != "" {
		root = root.PathPrefix(s.cfg.BasePath).Subrouter()
	}

	root.Use(
		mux.MiddlewareFunc(ipAllowListMiddleware(s.cfg.IPAllow)),
		mux.MiddlewareFunc(ipDenyListMiddleware(s.cfg.IPDeny)),
		requestLoggerMiddleware(s.log),
		recoveryMiddleware(s.log),
		rateLimitMiddleware(s.limiter),
		metricsMiddleware(s.promreg),
	)

	client := root.PathPrefix("/api/client").Subrouter()
	client.Use(s.authMiddleware(token.KindClient))
	client.Handle("/features", etagMiddleware(http.HandlerFunc(s.handleClientFeatures))).Methods(http.MethodGet, http.MethodPost)
	client.HandleFunc("/delta", s.handleClientDelta).Methods(http.MethodGet)
	client.HandleFunc("/streaming", s.handleClientStreaming).Methods(http.MethodGet)
	client.HandleFunc("/register", s.handleClientRegister).Methods(http.MethodPost)
	client.HandleFunc("/metrics", s.handleClientMetrics).Methods(http.MethodPost)
	client.HandleFunc("/metrics/bulk", s.handleClientMetricsBulk).Methods(http.MethodPost)

	frontend := root.PathPrefix("/api/frontend").Subrouter()
	frontend.Use(s.authMiddleware(token.KindFrontend))
	frontend.Handle("", etagMiddleware(http.HandlerFunc(s.handleFrontend))).Methods(http.MethodGet, http.MethodPost)
	frontend.Handle("/all", etagMiddleware(http.HandlerFunc(s.handleFrontendAll))).Methods(http.MethodGet, http.MethodPost)
	frontend.HandleFunc("/client/metrics", s.handleFrontendMetrics).Methods(http.MethodPost)

	proxy := root.PathPrefix("/api/proxy").Subrouter()
	proxy.Use(s.authMiddleware(token.KindFrontend))
	proxy.Handle("", etagMiddleware(http.HandlerFunc(s.handleFrontend))).Methods(http.MethodPost)
	proxy.Handle("/all", etagMiddleware(http.HandlerFunc(s.handleFrontendAll))).Methods(http.MethodPost)

	root.HandleFunc("/edge/validate", s.handleValidate).Methods(http.MethodPost)

	backstage := root.PathPrefix("/internal-backstage").Subrouter()
	backstage.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	backstage.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	backstage.Handle("/metrics", s.promHandler()).Methods(http.MethodGet)

	return pathNormalizationMiddleware(root)
}

// RunLimiterSweep periodically reclaims idle per-IP rate limiter entries.
// Registered with the supervisor so the reclaim never runs on the request
// path.
func (s *Server) RunLimiterSweep(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

// environmentKeyFor derives the cache key from an authenticated token.
func environmentKeyFor(t *token.Token) domain.EnvironmentKey {
	return domain.EnvironmentKey{Environment: t.Environment, ProjectScope: t.CanonicalProjectScope()}
}

func nameFilter(projects []string, prefix string) delta.Filter {
	return delta.Filter{Projects: projects, NamePrefix: prefix}
}

// backgroundContext returns a context with a 30s overall deadline that is
// detached from any request's cancellation. Token resolution does not use
// it; it runs on the request's own context.
func backgroundContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
