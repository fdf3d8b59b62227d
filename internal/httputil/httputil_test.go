package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePathCollapsesAndTrims(t *testing.T) {
	cases := map[string]string{
		"/api/client/features/":   "/api/client/features",
		"/api//client//features":  "/api/client/features",
		"/a//b/":                  "/a/b",
		"/a/b":                    "/a/b",
		"/":                       "/",
		"":                        "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), "input %q", in)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.5, 10.0.0.1")
	r.RemoteAddr = "192.168.1.1:5555"
	assert.Equal(t, "10.0.0.5", ClientIP(r))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.1:5555"
	assert.Equal(t, "192.168.1.1", ClientIP(r))
}

func TestWriteJSONSetsStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"a": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"a":1}`, rec.Body.String())
}
