package client

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

func newMonitor(t *testing.T) (*KeepAliveMonitor, *clockwork.FakeClock, *atomic.Int64) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	var stale atomic.Int64
	k := NewKeepAliveMonitor(types.DefaultClientConfig().KeepAlive, clock, nil, func() { stale.Inc() })
	t.Cleanup(k.Disarm)
	return k, clock, &stale
}

func advancePoll(t *testing.T, k *KeepAliveMonitor, clock *clockwork.FakeClock, polls int64) {
	t.Helper()
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return k.Polls() == polls }, time.Second, time.Millisecond)
}

func TestKeepAlive_NeverFiresWithinThreshold(t *testing.T) {
	k, clock, stale := newMonitor(t)
	k.Arm()

	// exactly 20s of silence is not stale
	for i := int64(1); i <= 4; i++ {
		advancePoll(t, k, clock, i)
	}
	assert.Equal(t, int64(0), stale.Load())
	assert.False(t, k.Stale())

	advancePoll(t, k, clock, 5)
	assert.Equal(t, int64(1), stale.Load())
	assert.True(t, k.Stale())
}

func TestKeepAlive_TouchResetsSilence(t *testing.T) {
	k, clock, stale := newMonitor(t)
	k.Arm()

	for i := int64(1); i <= 12; i++ {
		advancePoll(t, k, clock, i)
		if i%3 == 0 {
			k.Touch()
		}
	}
	assert.Equal(t, int64(0), stale.Load())
	assert.Equal(t, clock.Now(), k.LastActivity())
}

func TestKeepAlive_DisarmStopsPolling(t *testing.T) {
	k, clock, stale := newMonitor(t)
	k.Arm()
	advancePoll(t, k, clock, 1)

	k.Disarm()
	k.Disarm()
	assert.False(t, k.Armed())
	assert.False(t, k.Stale())

	clock.Advance(time.Minute)
	assert.Equal(t, int64(1), k.Polls())
	assert.Equal(t, int64(0), stale.Load())
}

func TestKeepAlive_RearmKeepsSinglePoller(t *testing.T) {
	k, clock, _ := newMonitor(t)
	k.Arm()
	k.Arm()
	k.Arm()

	advancePoll(t, k, clock, 1)
	// a second live poller would have pushed the count past one
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), k.Polls())
}

func TestKeepAlive_RearmKeepsPollPhase(t *testing.T) {
	k, clock, stale := newMonitor(t)
	k.Arm()

	clock.Advance(3 * time.Second)
	k.Arm()

	// polls stay on the first Arm's schedule: 5s, 10s, 15s, 20s, 25s
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return k.Polls() == 1 }, time.Second, time.Millisecond)
	for i := int64(2); i <= 4; i++ {
		advancePoll(t, k, clock, i)
	}
	assert.Equal(t, int64(0), stale.Load())

	// 22s since the re-arm at 3s
	advancePoll(t, k, clock, 5)
	assert.Equal(t, int64(1), stale.Load())
}
