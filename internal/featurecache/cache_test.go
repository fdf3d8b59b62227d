package featurecache

import (
	"testing"

	"github.com/flagedge/edge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key() domain.EnvironmentKey {
	return domain.EnvironmentKey{Environment: "production", ProjectScope: "*"}
}

func TestInsertThenGet(t *testing.T) {
	c := New()
	fs := &domain.FeatureSet{Version: 1, Features: []domain.Feature{{Name: "b"}, {Name: "a"}}}
	c.Insert(key(), fs)

	got, ok := c.Get(key())
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, names(got.Features))
}

func TestModifyWildcardTokenReplacesWholesale(t *testing.T) {
	c := New()
	c.Insert(key(), &domain.FeatureSet{Version: 1, Features: []domain.Feature{{Name: "a", Project: "p1"}}})

	c.Modify(key(), []string{"*"}, &domain.FeatureSet{Version: 2, Features: []domain.Feature{{Name: "c", Project: "p3"}}})

	got, _ := c.Get(key())
	assert.Equal(t, []string{"c"}, names(got.Features))
	assert.Equal(t, 2, got.Version)
}

func TestModifyScopedTokenPreservesOtherProjects(t *testing.T) {
	c := New()
	c.Insert(key(), &domain.FeatureSet{Version: 1, Features: []domain.Feature{
		{Name: "a", Project: "p1"},
		{Name: "b", Project: "p2"},
	}})

	c.Modify(key(), []string{"p1"}, &domain.FeatureSet{Version: 2, Features: []domain.Feature{
		{Name: "a2", Project: "p1"},
	}})

	got, _ := c.Get(key())
	assert.Equal(t, []string{"a2", "b"}, names(got.Features), "p2's feature must survive a p1-scoped update")
}

func TestModifySegmentDedupPrefersIncoming(t *testing.T) {
	c := New()
	c.Insert(key(), &domain.FeatureSet{Version: 1, Segments: []domain.Segment{{ID: 1, Name: "old"}}})
	c.Modify(key(), []string{"*"}, &domain.FeatureSet{Version: 1, Segments: []domain.Segment{{ID: 1, Name: "new"}}})

	got, _ := c.Get(key())
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "new", got.Segments[0].Name)
}

func TestRemoveDropsEntry(t *testing.T) {
	c := New()
	c.Insert(key(), &domain.FeatureSet{Version: 1})
	c.Remove(key())
	_, ok := c.Get(key())
	assert.False(t, ok)
}

func TestSubscribeReceivesChangeNotifications(t *testing.T) {
	c := New()
	ch := c.Subscribe()
	c.Insert(key(), &domain.FeatureSet{Version: 1})

	select {
	case got := <-ch:
		assert.Equal(t, key(), got)
	default:
		t.Fatal("expected a change notification")
	}
}

func TestFeaturesRemainSortedByName(t *testing.T) {
	c := New()
	c.Insert(key(), &domain.FeatureSet{Features: []domain.Feature{{Name: "z"}, {Name: "a"}, {Name: "m"}}})
	got, _ := c.Get(key())
	assert.Equal(t, []string{"a", "m", "z"}, names(got.Features))
}

func names(fs []domain.Feature) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}
