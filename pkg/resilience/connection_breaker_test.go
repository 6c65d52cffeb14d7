package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, coolDown, maxCoolDown time.Duration) (*ConnectionBreaker, *time.Time) {
	b := NewConnectionBreaker(ConnectionBreakerConfig{
		FailureThreshold: threshold,
		CoolDown:         coolDown,
		MaxCoolDown:      maxCoolDown,
	})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 5*time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State(), "failure %d must not trip", i+1)
	}

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State(), "exactly threshold failures trip the circuit")
	assert.False(t, b.Allow(), "open circuit refuses attempts")
}

func TestBreakerSingleProbeAfterCoolDown(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second, 5*time.Minute)

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	*now = now.Add(29 * time.Second)
	assert.False(t, b.Allow(), "cool-down not yet elapsed")

	*now = now.Add(2 * time.Second)
	assert.True(t, b.Allow(), "first call after cool-down is the probe")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "exactly one probe is admitted")
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second, 5*time.Minute)

	b.RecordFailure()
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Zero(t, b.ConsecutiveFailures())
	assert.Equal(t, 30*time.Second, b.CoolDown(), "cool-down resets on success")
	assert.True(t, b.Allow())
}

func TestBreakerFailedProbeDoublesCoolDown(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second, 100*time.Second)

	b.RecordFailure()
	expected := []time.Duration{60 * time.Second, 100 * time.Second, 100 * time.Second}
	coolDown := 30 * time.Second

	for _, want := range expected {
		*now = now.Add(coolDown + time.Second)
		require.True(t, b.Allow(), "probe after %s", coolDown)
		b.RecordFailure()
		assert.Equal(t, BreakerOpen, b.State())
		assert.Equal(t, want, b.CoolDown(), "cool-down doubles, bounded by the maximum")
		coolDown = want
	}
}

func TestBreakerFailureWhileOpenKeepsCoolDown(t *testing.T) {
	b, _ := newTestBreaker(1, 30*time.Second, 5*time.Minute)

	b.RecordFailure()
	b.RecordFailure() // e.g. a late heartbeat loss report
	assert.Equal(t, 30*time.Second, b.CoolDown())
	assert.Equal(t, BreakerOpen, b.State())
}
