// Package httputil provides small HTTP helpers shared by the edge's handlers
// and middleware: JSON writing, client IP extraction, and path normalization.
package httputil

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/flagedge/edge/internal/edgeerrors"
)

// WriteJSON serializes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err through edgeerrors.Status and writes a JSON envelope.
// Background-loop errors never reach this path; only handler-path errors do.
func WriteError(w http.ResponseWriter, err error) {
	status := edgeerrors.Status(err)
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// ClientIP extracts the originating client address, preferring
// X-Forwarded-For's left-most hop, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NormalizePath trims a single trailing slash and collapses repeated "//"
// runs so "/api/client/features/" and "/api//client//features" route
// identically to "/api/client/features". The root path "/" is untouched.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = strings.TrimSuffix(out, "/")
	}
	if out == "" {
		out = "/"
	}
	return out
}
