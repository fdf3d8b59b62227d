package edgeerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultStatusPerKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindAuth, http.StatusUnauthorized},
		{KindUpstreamTransient, http.StatusServiceUnavailable},
		{KindUpstreamFatal, http.StatusUnauthorized},
		{KindCacheMiss, http.StatusServiceUnavailable},
		{KindParseError, http.StatusBadRequest},
		{KindConfigError, http.StatusInternalServerError},
		{KindPersistenceError, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, New(c.kind, "x").Status)
	}
}

func TestForbiddenOverridesStatus(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, Forbidden("no scope").Status)
}

func TestStatusUnwrapsWrappedError(t *testing.T) {
	base := Wrap(KindUpstreamFatal, "token rejected", errors.New("403 from upstream"))
	wrapped := fmt.Errorf("context: %w", base)
	assert.Equal(t, http.StatusUnauthorized, Status(wrapped))
}

func TestStatusDefaultsToInternalForPlainErrors(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, Status(errors.New("boom")))
}
