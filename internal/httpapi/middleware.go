package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flagedge/edge/internal/edgeerrors"
	"github.com/flagedge/edge/internal/httputil"
	"github.com/flagedge/edge/internal/logging"
	"github.com/flagedge/edge/internal/promexport"
	"github.com/flagedge/edge/internal/ratelimit"
	"github.com/gorilla/mux"
)

// pathNormalizationMiddleware is the outermost link in the chain: it
// rewrites the request's URL path before routing so
// "/api/client/features/" and "/api//client//features" both reach the
// handler that "/api/client/features" reaches.
func pathNormalizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = httputil.NormalizePath(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// ipAllowListMiddleware rejects any client IP not present in allow, unless
// allow is empty (meaning "no allow-list configured", i.e. allow all).
func ipAllowListMiddleware(allow []string) mux.MiddlewareFunc {
	set := toIPSet(allow)
	return func(next http.Handler) http.Handler {
		if len(set) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.ClientIP(r)
			if _, ok := set[ip]; !ok {
				httputil.WriteError(w, edgeerrors.Forbidden("client IP not in allow-list"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipDenyListMiddleware rejects any client IP present in deny.
func ipDenyListMiddleware(deny []string) mux.MiddlewareFunc {
	set := toIPSet(deny)
	return func(next http.Handler) http.Handler {
		if len(set) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.ClientIP(r)
			if _, ok := set[ip]; ok {
				httputil.WriteError(w, edgeerrors.Forbidden("client IP is denied"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func toIPSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

// requestLoggerMiddleware logs one structured entry per request. Token
// secrets must not appear in logs, so the Authorization header is redacted
// before it reaches any field.
func requestLoggerMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if log == nil {
				return
			}
			log.WithContext(r.Context()).WithFields(map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"client_ip":   httputil.ClientIP(r),
				"authorization": logging.RedactAuthorization(r.Header.Get("Authorization")),
			}).Info("request handled")
		})
	}
}

// metricsMiddleware records the unleash_edge_http_* collectors for every
// request, keyed by the route pattern (not the raw path, to avoid an
// unbounded label cardinality from query strings or path parameters).
func metricsMiddleware(reg *promexport.Registry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if reg == nil {
				return
			}
			route := r.URL.Path
			if m := mux.CurrentRoute(r); m != nil {
				if tmpl, err := m.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			reg.ObserveHTTP(route, r.Method, fmt.Sprintf("%d", sw.status), time.Since(start))
		})
	}
}

// recoveryMiddleware recovers from a panic in any downstream handler,
// logging it and returning 500 rather than crashing the process. Background
// loops are unaffected; they run on their own goroutines with no HTTP
// response to protect.
func recoveryMiddleware(log *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if log != nil {
						log.WithContext(r.Context()).WithFields(map[string]any{
							"panic":  fmt.Sprintf("%v", rec),
							"path":   r.URL.Path,
							"method": r.Method,
						}).Error("panic recovered in HTTP handler")
					}
					httputil.WriteError(w, edgeerrors.New(edgeerrors.KindInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies a per-client-IP token bucket on top of the
// IP allow/deny lists. At the generous defaults it only trips on a client
// stuck in a tight retry loop.
func rateLimitMiddleware(limiter *ratelimit.PerKeyLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := httputil.ClientIP(r)
			if !limiter.Allow(key) {
				w.Header().Set("Retry-After", "1")
				tooMany := edgeerrors.New(edgeerrors.KindInternal, "rate limit exceeded")
				tooMany.Status = http.StatusTooManyRequests
				httputil.WriteError(w, tooMany)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the status code written so middleware running after
// the handler (logging, metrics) can report it.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
