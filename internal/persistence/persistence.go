// Package persistence implements the pluggable durable-store interface
// (the system's one true polymorphic seam) and the periodic snapshot loop
// that backs the token registry and feature cache.
package persistence

import (
	"context"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/featurecache"
	"github.com/flagedge/edge/internal/logging"
	"github.com/flagedge/edge/internal/token"
)

// TokenRecord is the durable representation of a validated token.
type TokenRecord struct {
	Secret      string
	Kind        token.Kind
	Environment string
	Projects    []string
	Status      token.Status
}

// FeatureRecord is one (EnvironmentKey, FeatureSet) snapshot pair.
type FeatureRecord struct {
	Key domain.EnvironmentKey
	Set *domain.FeatureSet
}

// Backend is the four-operation seam every durable store implements.
type Backend interface {
	LoadTokens(ctx context.Context) ([]TokenRecord, error)
	SaveTokens(ctx context.Context, records []TokenRecord) error
	LoadFeatures(ctx context.Context) ([]FeatureRecord, error)
	SaveFeatures(ctx context.Context, records []FeatureRecord) error
}

// Loop drives the cold-load bootstrap and the periodic snapshot against a
// Backend, seeding/backing the token registry and feature cache.
type Loop struct {
	backend  Backend
	tokens   *token.Registry
	cache    *featurecache.Cache
	interval time.Duration
	log      *logging.Logger
}

// New returns a Loop. interval defaults to 60s if zero.
func New(backend Backend, tokens *token.Registry, cache *featurecache.Cache, interval time.Duration, log *logging.Logger) *Loop {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Loop{backend: backend, tokens: tokens, cache: cache, interval: interval, log: log}
}

// Bootstrap performs the one-time cold-load: load_tokens and load_features
// are invoked once, seeding the token registry and feature cache before
// the HTTP listener binds.
func (l *Loop) Bootstrap(ctx context.Context) error {
	tokenRecords, err := l.backend.LoadTokens(ctx)
	if err != nil {
		return err
	}
	for _, r := range tokenRecords {
		t := &token.Token{Secret: r.Secret, Kind: r.Kind, Environment: r.Environment, Projects: r.Projects, Status: r.Status}
		l.tokens.Register(t)
	}

	featureRecords, err := l.backend.LoadFeatures(ctx)
	if err != nil {
		return err
	}
	snapshot := make(map[domain.EnvironmentKey]*domain.FeatureSet, len(featureRecords))
	for _, r := range featureRecords {
		snapshot[r.Key] = r.Set
	}
	l.cache.LoadSnapshot(snapshot)
	return nil
}

// Run is the periodic snapshot loop: every interval, validated tokens and a
// non-empty feature cache are saved. Errors are logged, never fatal.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.snapshotOnce(ctx)
		}
	}
}

func (l *Loop) snapshotOnce(ctx context.Context) {
	validated := l.tokens.IterValidated()
	if len(validated) > 0 {
		records := make([]TokenRecord, 0, len(validated))
		for _, t := range validated {
			records = append(records, TokenRecord{Secret: t.Secret, Kind: t.Kind, Environment: t.Environment, Projects: t.Projects, Status: t.Status})
		}
		if err := l.backend.SaveTokens(ctx, records); err != nil && l.log != nil {
			l.log.WithFields(map[string]any{"error": err.Error()}).Warn("save_tokens failed")
		}
	}

	if l.cache.Size() > 0 {
		snapshot := l.cache.Snapshot()
		records := make([]FeatureRecord, 0, len(snapshot))
		for k, v := range snapshot {
			records = append(records, FeatureRecord{Key: k, Set: v})
		}
		if err := l.backend.SaveFeatures(ctx, records); err != nil && l.log != nil {
			l.log.WithFields(map[string]any{"error": err.Error()}).Warn("save_features failed")
		}
	}
}
