package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/flagedge/edge/internal/edgeerrors"
	"github.com/flagedge/edge/internal/httputil"
	"github.com/flagedge/edge/internal/token"
)

// authMiddleware returns the token extractor + validator link of the
// chain: it reads the Authorization header, parses it as a Token,
// resolves its validation status (coalescing unknown secrets through a
// single upstream call), stamps the requested Kind onto it, and rejects
// with 401/403. On success the resolved Token is attached to the request
// context for handlers to read via TokenFromContext.
func (s *Server) authMiddleware(kind token.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := strings.TrimSpace(r.Header.Get("Authorization"))
			if secret == "" {
				httputil.WriteError(w, edgeerrors.Unauthorized("missing Authorization header"))
				return
			}

			t, err := s.resolveToken(r.Context(), secret)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}

			if mismatch := s.tokens.Touch(t.Secret, kind); mismatch {
				httputil.WriteError(w, edgeerrors.Forbidden("token is not authorized for this API surface"))
				return
			}

			ctx := withToken(r.Context(), t)
			ctx = s.contextWithLogFields(ctx, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveToken parses and registers secret, validating it against upstream
// if its status is still Unknown. Trusted tokens configured at startup and
// tokens already Validated/Invalid short-circuit straight to their stored
// status.
func (s *Server) resolveToken(ctx context.Context, secret string) (*token.Token, error) {
	parsed, err := token.Parse(secret)
	if err != nil {
		return nil, edgeerrors.Unauthorized("malformed token")
	}
	t := s.tokens.Register(parsed)

	switch t.Status {
	case token.StatusValidated, token.StatusTrusted:
		return t, nil
	case token.StatusInvalid:
		return nil, edgeerrors.Unauthorized("token is invalid")
	}

	status, err := s.tokens.ValidateUnknown(t.Secret, func() (token.Status, error) {
		if s.upstream == nil {
			return token.StatusInvalid, nil
		}
		accepted, verr := s.upstream.ValidateTokens(ctx, []string{t.Secret})
		if verr != nil {
			return token.StatusInvalid, nil
		}
		for _, a := range accepted {
			if a == t.Secret {
				return token.StatusValidated, nil
			}
		}
		return token.StatusInvalid, nil
	})
	if err != nil || status != token.StatusValidated {
		return nil, edgeerrors.Unauthorized("token is invalid")
	}
	if t.DeferredScope {
		s.tokens.ResolveScope(t.Secret, t.Projects)
	}
	return t, nil
}

func (s *Server) contextWithLogFields(ctx context.Context, t *token.Token) context.Context {
	ctx = loggingWithEnvironment(ctx, t.Environment)
	return ctx
}

// upstreamValidator is the subset of the upstream client the auth
// middleware needs, modeled
// as an interface so tests can substitute a fake upstream.
type upstreamValidator interface {
	ValidateTokens(ctx context.Context, secrets []string) ([]string, error)
}
