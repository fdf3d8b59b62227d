package httpapi

import (
	"net/http"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/httputil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleHealth reports 503 until MarkReady has been called (the bootstrap
// cold-load has completed) and 200 afterward.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo exposes operational metadata: build identity, uptime, and a
// snapshot of token/cache/subscriber counts, for the backstage dashboard.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"buildSha":     s.cfg.BuildSHA,
		"uptimeSec":    time.Since(s.startedAt).Seconds(),
		"ready":        s.ready.Load(),
		"licenseState": domain.CurrentLicenseState().String(),
	}
	if s.tokens != nil {
		info["tokenCount"] = s.tokens.Len()
	}
	if s.cache != nil {
		info["cachedEnvironments"] = s.cache.Size()
	}
	if s.bcast != nil {
		subscribers := map[string]int{}
		if s.cache != nil {
			for _, key := range s.cache.Environments() {
				subscribers[key.Environment+"/"+key.ProjectScope] = s.bcast.SubscriberCount(key)
			}
		}
		info["sseSubscribers"] = subscribers
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

// promHandler exposes this edge's Prometheus collector registry.
func (s *Server) promHandler() http.Handler {
	return promhttp.HandlerFor(s.promreg.Reg, promhttp.HandlerOpts{})
}
