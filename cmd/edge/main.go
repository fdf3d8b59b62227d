// Command edge runs the feature-flag edge: it cold-loads persisted state,
// assembles the caches, background loops, and HTTP surface, and serves
// until interrupted.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 failed cold-start
// persistence load, 3 bind/listen failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flagedge/edge/internal/broadcaster"
	"github.com/flagedge/edge/internal/config"
	"github.com/flagedge/edge/internal/delta"
	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/featurecache"
	"github.com/flagedge/edge/internal/httpapi"
	"github.com/flagedge/edge/internal/logging"
	"github.com/flagedge/edge/internal/metricsagg"
	"github.com/flagedge/edge/internal/persistence"
	"github.com/flagedge/edge/internal/promexport"
	"github.com/flagedge/edge/internal/refresher"
	"github.com/flagedge/edge/internal/supervisor"
	"github.com/flagedge/edge/internal/token"
	"github.com/flagedge/edge/internal/upstream"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitPersistence = 2
	exitBind        = 3
)

var buildSHA = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Component: "edge"})

	tokens := token.NewRegistry()
	trusted, err := registerTrustedTokens(tokens, cfg.TrustedTokens)
	if err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Error("invalid trusted token configuration")
		return exitConfig
	}

	client := upstream.New(upstream.Config{
		BaseURL:          cfg.Upstream.URL,
		ConnectTimeout:   cfg.Upstream.ConnectTimeout,
		RequestTimeout:   cfg.Upstream.RequestTimeout,
		AppName:          cfg.Upstream.AppName,
		ClientSpecHeader: cfg.Upstream.ClientSpecHeader,
	}, log)

	cache := featurecache.New()
	deltaEn := delta.New(cfg.Delta.MaxLogSize)
	bcast := broadcaster.New(deltaEn)
	prom := promexport.New()

	mode := refresher.ModePlain
	if cfg.StreamingMode() {
		mode = refresher.ModeStreaming
	}
	refr := refresher.New(refresher.Config{
		Mode:         mode,
		PollInterval: cfg.Upstream.PollInterval,
		MaxBackoff:   cfg.Upstream.MaxBackoff,
	}, cache, deltaEn, tokens, client, log)
	refr.SetBroadcaster(bcast)
	refr.SetInstrumentation(prom)
	if err := refr.Coalesce(trusted); err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Error("token configuration rejected")
		return exitConfig
	}

	agg := metricsagg.New(metricsagg.Config{
		FlushInterval:  cfg.Metrics.FlushInterval,
		SelfAppName:    cfg.Upstream.AppName,
		SelfInstanceID: os.Getenv("HOSTNAME"),
	}, client, firstSecret(trusted), log)
	agg.SetInstrumentation(prom)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(rootCtx, cfg)
	if err != nil {
		log.WithFields(map[string]any{"backend": cfg.Persistence.Backend, "error": err.Error()}).Error("persistence backend unavailable")
		return exitPersistence
	}
	persist := persistence.New(backend, tokens, cache, cfg.Persistence.SnapshotPeriod, log)
	if err := persist.Bootstrap(rootCtx); err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Error("cold-start persistence load failed")
		return exitPersistence
	}
	// Targets for tokens revived from the snapshot, alongside the trusted set.
	if err := refr.Coalesce(tokens.IterValidated()); err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Error("persisted token set rejected")
		return exitConfig
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Config: httpapi.Config{
			BasePath: cfg.Server.BasePath,
			IPAllow:  cfg.IPFilter.Allow,
			IPDeny:   cfg.IPFilter.Deny,
			BuildSHA: buildSHA,
		},
		Tokens:       tokens,
		Upstream:     client,
		Cache:        cache,
		Refresher:    refr,
		DeltaEngine:  deltaEn,
		Broadcaster:  bcast,
		Metrics:      agg,
		PromRegistry: prom,
		Logger:       log,
	})
	srv.MarkReady()

	manager := supervisor.NewManager()
	loops := []*supervisor.LoopFunc{
		{ServiceName: "refresher", Fn: refr.Run},
		{ServiceName: "metrics-flush", Fn: agg.RunFlushLoop},
		{ServiceName: "persistence", Fn: persist.Run},
		{ServiceName: "sse-keepalive", Fn: func(ctx context.Context) error { return bcast.RunKeepalive(ctx, 30*time.Second) }},
		{ServiceName: "limiter-sweep", Fn: srv.RunLimiterSweep},
		{ServiceName: "gauge-stats", Fn: gaugeLoop(prom, tokens, cache, deltaEn, bcast)},
	}
	if cfg.Upstream.Heartbeat {
		loops = append(loops, &supervisor.LoopFunc{
			ServiceName: "license-heartbeat",
			Fn:          heartbeatLoop(client, firstSecret(trusted), cfg.Upstream.HeartbeatInterval, log),
		})
	}
	for _, l := range loops {
		if err := manager.Register(l); err != nil {
			log.WithFields(map[string]any{"error": err.Error()}).Error("service registration failed")
			return exitConfig
		}
	}
	if err := manager.Start(rootCtx); err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Error("background task startup failed")
		return exitConfig
	}

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.WithFields(map[string]any{"addr": cfg.Addr(), "error": err.Error()}).Error("listen failed")
		_ = manager.Stop(context.Background())
		return exitBind
	}

	httpServer := &http.Server{Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(listener) }()
	log.WithFields(map[string]any{"addr": cfg.Addr(), "mode": string(cfg.Mode)}).Info("edge listening")

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		log.WithFields(map[string]any{"error": err.Error()}).Error("http server failed")
		_ = manager.Stop(context.Background())
		return exitBind
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Warn("background task shutdown reported errors")
	}
	log.Info("edge stopped")
	return exitOK
}

// registerTrustedTokens parses the statically configured secrets and records
// them as Trusted, bypassing upstream validation.
func registerTrustedTokens(registry *token.Registry, secrets []string) ([]*token.Token, error) {
	out := make([]*token.Token, 0, len(secrets))
	for _, secret := range secrets {
		t, err := token.Parse(secret)
		if err != nil {
			return nil, fmt.Errorf("trusted token %d: %w", len(out), err)
		}
		t.Status = token.StatusTrusted
		out = append(out, registry.Register(t))
	}
	return out, nil
}

func firstSecret(tokens []*token.Token) string {
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0].Secret
}

func newBackend(ctx context.Context, cfg *config.Config) (persistence.Backend, error) {
	switch cfg.Persistence.Backend {
	case "", "memory":
		return persistence.NewMemoryBackend(), nil
	case "file":
		return persistence.NewFileBackend(cfg.Persistence.FilePath)
	case "redis":
		return persistence.NewRedisBackend(cfg.Persistence.RedisAddr, cfg.Persistence.RedisPassword, cfg.Persistence.RedisDB), nil
	case "s3":
		return persistence.NewS3Backend(ctx, cfg.Persistence.S3Bucket, cfg.Persistence.S3Prefix, cfg.Persistence.S3Region)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

// heartbeatLoop posts the enterprise license heartbeat and publishes the
// result to the process-wide license state.
func heartbeatLoop(client *upstream.Client, secret string, interval time.Duration, log *logging.Logger) func(context.Context) error {
	if interval <= 0 {
		interval = 90 * time.Second
	}
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				state, err := client.SendHeartbeat(ctx, secret)
				if err != nil {
					log.WithFields(map[string]any{"error": err.Error()}).Warn("license heartbeat failed")
					continue
				}
				if state != domain.CurrentLicenseState() {
					log.WithFields(map[string]any{"state": state.String()}).Info("license state changed")
				}
				domain.SetCurrentLicenseState(state)
			}
		}
	}
}

// gaugeLoop refreshes the slow-moving gauges (token counts by status,
// cached environments, delta log depth, SSE subscribers) from their owning
// components.
func gaugeLoop(prom *promexport.Registry, tokens *token.Registry, cache *featurecache.Cache, deltaEn *delta.Engine, bcast *broadcaster.Broadcaster) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				byStatus := map[string]int{}
				for _, t := range tokens.All() {
					byStatus[t.Status.String()]++
				}
				for status, n := range byStatus {
					prom.TokensByStatus.WithLabelValues(status).Set(float64(n))
				}
				prom.CacheEnvironments.Set(float64(cache.Size()))
				for _, key := range cache.Environments() {
					prom.DeltaLogDepth.WithLabelValues(key.Environment).Set(float64(deltaEn.Len(key)))
					prom.SSESubscribers.WithLabelValues(key.Environment).Set(float64(bcast.SubscriberCount(key)))
				}
			}
		}
	}
}
