package httpapi

import (
	"context"

	"github.com/flagedge/edge/internal/token"
)

type ctxKey string

const tokenCtxKey ctxKey = "edge_token"

func withToken(ctx context.Context, t *token.Token) context.Context {
	return context.WithValue(ctx, tokenCtxKey, t)
}

// TokenFromContext returns the authenticated token stamped onto the request
// context by the token validator middleware, if any.
func TokenFromContext(ctx context.Context) (*token.Token, bool) {
	t, ok := ctx.Value(tokenCtxKey).(*token.Token)
	return t, ok
}
