package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flagedge/edge/internal/domain"
	"github.com/flagedge/edge/internal/featurecache"
	"github.com/flagedge/edge/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendSaveThenLoadFeaturesRoundTrips(t *testing.T) {
	b := NewMemoryBackend()
	key := domain.EnvironmentKey{Environment: "production", ProjectScope: "*"}
	records := []FeatureRecord{{Key: key, Set: &domain.FeatureSet{Version: 1, Features: []domain.Feature{{Name: "a"}}}}}

	require.NoError(t, b.SaveFeatures(context.Background(), records))
	got, err := b.LoadFeatures(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, records[0].Key, got[0].Key)
	assert.Equal(t, records[0].Set.Version, got[0].Set.Version)
}

func TestFileBackendSaveThenLoadTokensRoundTrips(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)

	records := []TokenRecord{{Secret: "*:prod.abc", Kind: token.KindClient, Environment: "prod", Projects: []string{"*"}, Status: token.StatusValidated}}
	require.NoError(t, b.SaveTokens(context.Background(), records))

	got, err := b.LoadTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, records[0].Secret, got[0].Secret)
	assert.Equal(t, records[0].Status, got[0].Status)
}

func TestFileBackendLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	os.RemoveAll(dir) // simulate a clean cold-start with no prior snapshot

	got, err := b.LoadFeatures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBootstrapSeedsRegistryAndCache(t *testing.T) {
	backend := NewMemoryBackend()
	key := domain.EnvironmentKey{Environment: "production", ProjectScope: "*"}
	require.NoError(t, backend.SaveTokens(context.Background(), []TokenRecord{
		{Secret: "*:production.abc", Kind: token.KindClient, Environment: "production", Projects: []string{"*"}, Status: token.StatusValidated},
	}))
	require.NoError(t, backend.SaveFeatures(context.Background(), []FeatureRecord{
		{Key: key, Set: &domain.FeatureSet{Version: 1, Features: []domain.Feature{{Name: "a"}}}},
	}))

	tokens := token.NewRegistry()
	cache := featurecache.New()
	loop := New(backend, tokens, cache, time.Hour, nil)
	require.NoError(t, loop.Bootstrap(context.Background()))

	tok, ok := tokens.Lookup("*:production.abc")
	require.True(t, ok)
	assert.Equal(t, token.StatusValidated, tok.Status)

	fs, ok := cache.Get(key)
	require.True(t, ok)
	assert.Len(t, fs.Features, 1)
}

func TestSnapshotOnceOnlySavesValidatedTokensAndNonEmptyCache(t *testing.T) {
	backend := NewMemoryBackend()
	tokens := token.NewRegistry()
	unknown, _ := token.Parse("*:production.unknown")
	tokens.Register(unknown)
	validated, _ := token.Parse("*:production.valid")
	tokens.Register(validated)
	tokens.SetStatus(validated.Secret, token.StatusValidated)

	cache := featurecache.New()
	loop := New(backend, tokens, cache, time.Hour, nil)
	loop.snapshotOnce(context.Background())

	saved, err := backend.LoadTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, validated.Secret, saved[0].Secret)

	features, err := backend.LoadFeatures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, features)
}
