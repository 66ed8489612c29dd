package throttle

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestThrottleAllowsOneSendPerInterval(t *testing.T) {
	require := require.New(t)
	clock := clockwork.NewFakeClock()
	th := New(50 * time.Millisecond)

	require.Zero(th.Wait(clock.Now()))
	require.True(th.ShouldSend(clock.Now()))
	require.False(th.ShouldSend(clock.Now()))

	clock.Advance(20 * time.Millisecond)
	require.False(th.ShouldSend(clock.Now()))
	require.Equal(30*time.Millisecond, th.Wait(clock.Now()))

	clock.Advance(30 * time.Millisecond)
	require.True(th.ShouldSend(clock.Now()))
	require.Equal(clock.Now().Add(50*time.Millisecond), th.NextAllowed())
}

func TestThrottleDefaultInterval(t *testing.T) {
	require.Equal(t, DefaultInterval, New(0).Interval())
}

func TestEchoGuardWindow(t *testing.T) {
	require := require.New(t)
	clock := clockwork.NewFakeClock()
	guard := NewEchoGuard(100 * time.Millisecond)

	require.False(guard.Active(clock.Now()))

	guard.Begin(clock.Now())
	require.True(guard.Active(clock.Now()))

	clock.Advance(60 * time.Millisecond)
	require.True(guard.Active(clock.Now()))
	require.Equal(40*time.Millisecond, guard.Remaining(clock.Now()))

	clock.Advance(40 * time.Millisecond)
	require.False(guard.Active(clock.Now()))
	require.Zero(guard.Remaining(clock.Now()))
}
