package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// etagMiddleware buffers the handler's response body, computes a weak ETag
// over it with a fast non-cryptographic hash, and rewrites the response to
// 304 Not Modified (with no body) when it matches the request's
// If-None-Match header.
func etagMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := &bodyBuffer{status: http.StatusOK, header: make(http.Header)}
		next.ServeHTTP(buf, r)

		tag := computeWeakETag(buf.body.Bytes())
		if ifNoneMatch(r.Header.Get("If-None-Match")) == tag {
			copyHeader(w.Header(), buf.header)
			w.Header().Set("ETag", tag)
			w.Header().Del("Content-Length")
			w.WriteHeader(http.StatusNotModified)
			return
		}

		copyHeader(w.Header(), buf.header)
		w.Header().Set("ETag", tag)
		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body.Bytes())
	})
}

// computeWeakETag hashes body with xxhash (the pack's fast non-cryptographic
// hash of choice, already pulled in transitively via prometheus/common and
// promoted here to a direct dependency) and renders it as a weak ETag.
func computeWeakETag(body []byte) string {
	sum := xxhash.Sum64(body)
	return fmt.Sprintf(`W/"%x"`, sum)
}

// ifNoneMatch prepares an If-None-Match value for comparison by trimming
// surrounding whitespace; an absent header yields "", which never matches a
// real ETag. The value is otherwise passed through unchanged.
func ifNoneMatch(raw string) string {
	return strings.TrimSpace(raw)
}

// bodyBuffer is a ResponseWriter stand-in that captures headers, status, and
// body without writing anything to the real connection, so etagMiddleware
// can decide between 304 and the real payload after the fact.
type bodyBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func (b *bodyBuffer) Header() http.Header { return b.header }

func (b *bodyBuffer) WriteHeader(status int) {
	if !b.wrote {
		b.status = status
		b.wrote = true
	}
}

func (b *bodyBuffer) Write(p []byte) (int, error) {
	if !b.wrote {
		b.status = http.StatusOK
		b.wrote = true
	}
	return b.body.Write(p)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
