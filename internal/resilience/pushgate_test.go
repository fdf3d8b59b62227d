package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateStaysOpenBelowFailureThreshold(t *testing.T) {
	g := NewPushGate(PushGateConfig{MaxFailures: 3, BaseCooldown: time.Second, MaxCooldown: time.Minute})
	now := time.Now()

	g.RecordFailure(now)
	g.RecordFailure(now)
	assert.True(t, g.Allow(now))
	assert.False(t, g.Tripped())
}

func TestGateTripsAtThresholdAndReopensAfterCooldown(t *testing.T) {
	g := NewPushGate(PushGateConfig{MaxFailures: 2, BaseCooldown: 10 * time.Second, MaxCooldown: time.Minute})
	now := time.Now()

	g.RecordFailure(now)
	g.RecordFailure(now)
	require.True(t, g.Tripped())
	assert.False(t, g.Allow(now))
	assert.False(t, g.Allow(now.Add(9*time.Second)))
	assert.True(t, g.Allow(now.Add(11*time.Second)), "cooldown expiry must let a probe through")
}

func TestFailedProbeDoublesCooldown(t *testing.T) {
	g := NewPushGate(PushGateConfig{MaxFailures: 1, BaseCooldown: 10 * time.Second, MaxCooldown: time.Minute})
	now := time.Now()

	g.RecordFailure(now) // trips, shut until +10s
	probeAt := now.Add(11 * time.Second)
	require.True(t, g.Allow(probeAt))

	g.RecordFailure(probeAt) // failed probe: shut until +20s
	assert.False(t, g.Allow(probeAt.Add(19*time.Second)))
	assert.True(t, g.Allow(probeAt.Add(21*time.Second)))
}

func TestCooldownIsCapped(t *testing.T) {
	g := NewPushGate(PushGateConfig{MaxFailures: 1, BaseCooldown: 10 * time.Second, MaxCooldown: 15 * time.Second})
	now := time.Now()

	g.RecordFailure(now)
	g.RecordFailure(now.Add(11 * time.Second))
	g.RecordFailure(now.Add(30 * time.Second))
	// However many probes failed, the shut period never exceeds the cap.
	assert.True(t, g.Allow(now.Add(30*time.Second).Add(16*time.Second)))
}

func TestSuccessResetsEverything(t *testing.T) {
	g := NewPushGate(PushGateConfig{MaxFailures: 2, BaseCooldown: 10 * time.Second, MaxCooldown: time.Minute})
	now := time.Now()

	g.RecordFailure(now)
	g.RecordFailure(now)
	require.True(t, g.Tripped())

	g.RecordSuccess()
	assert.False(t, g.Tripped())
	assert.True(t, g.Allow(now))

	// A single new failure must not re-trip: the count restarted at zero.
	g.RecordFailure(now)
	assert.True(t, g.Allow(now))
}
