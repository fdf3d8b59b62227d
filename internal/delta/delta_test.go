package delta

import (
	"testing"

	"github.com/flagedge/edge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key() domain.EnvironmentKey {
	return domain.EnvironmentKey{Environment: "production", ProjectScope: "*"}
}

func TestDiffEmitsUpdatedAndRemoved(t *testing.T) {
	e := New(1000)
	old := &domain.FeatureSet{Features: []domain.Feature{{Name: "a", Enabled: true}, {Name: "b"}}}
	next := &domain.FeatureSet{Features: []domain.Feature{{Name: "a", Enabled: false}, {Name: "c"}}}

	events := e.Diff(key(), old, next)

	var updatedNames, removedNames []string
	for _, ev := range events {
		switch ev.Kind {
		case domain.EventFeatureUpdated:
			updatedNames = append(updatedNames, ev.Feature.Name)
		case domain.EventFeatureRemoved:
			removedNames = append(removedNames, ev.FeatureName)
		}
	}
	assert.ElementsMatch(t, []string{"a", "c"}, updatedNames)
	assert.ElementsMatch(t, []string{"b"}, removedNames)
}

func TestEventIDsStrictlyIncrease(t *testing.T) {
	e := New(1000)
	next := &domain.FeatureSet{Features: []domain.Feature{{Name: "a"}, {Name: "b"}}}
	events := e.Diff(key(), nil, next)
	require.Len(t, events, 2)
	assert.Less(t, events[0].EventID, events[1].EventID)
}

func TestEventsSinceZeroReturnsHydration(t *testing.T) {
	e := New(1000)
	next := &domain.FeatureSet{Features: []domain.Feature{{Name: "a", Project: "p1"}}}
	e.Diff(key(), nil, next)

	got := e.EventsSince(key(), 0, Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventHydration, got[0].Kind)
	assert.Equal(t, []domain.Feature{{Name: "a", Project: "p1"}}, got[0].Features)
}

func TestEventsSinceBeyondMaxReturnsEmpty(t *testing.T) {
	e := New(1000)
	next := &domain.FeatureSet{Features: []domain.Feature{{Name: "a"}}}
	events := e.Diff(key(), nil, next)
	last := events[len(events)-1].EventID

	got := e.EventsSince(key(), last+100, Filter{})
	assert.Empty(t, got)
}

func TestEventsSinceFiltersByProject(t *testing.T) {
	e := New(1000)
	next := &domain.FeatureSet{Features: []domain.Feature{
		{Name: "a", Project: "p1"},
		{Name: "b", Project: "p2"},
	}}
	e.Diff(key(), nil, next)

	got := e.EventsSince(key(), 0, Filter{Projects: []string{"p1"}})
	require.Len(t, got, 1)
	require.Len(t, got[0].Features, 1)
	assert.Equal(t, "a", got[0].Features[0].Name)
}

func TestRetentionDropsOldestAndTracksOldestID(t *testing.T) {
	e := New(2)
	old := &domain.FeatureSet{}
	for i := 0; i < 5; i++ {
		next := &domain.FeatureSet{Features: []domain.Feature{{Name: "a", Enabled: i%2 == 0}}}
		e.Diff(key(), old, next)
		old = next
	}
	assert.LessOrEqual(t, e.Len(key()), 2)
	assert.Greater(t, e.OldestRetainedID(key()), uint32(0))
}

func TestStaleSinceIDReturnsFreshHydration(t *testing.T) {
	e := New(1)
	old := &domain.FeatureSet{}
	for i := 0; i < 5; i++ {
		next := &domain.FeatureSet{Features: []domain.Feature{{Name: "a", Enabled: i%2 == 0}}}
		e.Diff(key(), old, next)
		old = next
	}
	got := e.EventsSince(key(), 1, Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventHydration, got[0].Kind, "a since_id older than the oldest retained event must force a fresh hydration")
}
