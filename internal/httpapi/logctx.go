package httpapi

import (
	"context"

	"github.com/flagedge/edge/internal/logging"
)

func loggingWithEnvironment(ctx context.Context, env string) context.Context {
	return logging.WithEnvironment(ctx, env)
}
