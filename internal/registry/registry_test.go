package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(clock)

	assert.True(t, r.Register("a"))
	first, ok := r.Get("a")
	require.True(t, ok)

	clock.Advance(time.Minute)
	assert.False(t, r.Register("a"))

	again, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, first.EstablishedAt, again.EstablishedAt)
	assert.Equal(t, clock.Now(), again.LastSeen)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	r.Register("a")

	assert.False(t, r.Unregister("missing"))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Unregister("a"))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Touch("a"))
}

func TestRegistry_SnapshotIsOrderedCopy(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id)
	}

	snap := r.Snapshot()
	assert.Equal(t, []string{"c", "a", "b"}, snap)

	// mutations after the snapshot returned are invisible to it
	r.Unregister("a")
	r.Register("d")
	assert.Equal(t, []string{"c", "a", "b"}, snap)
	assert.Equal(t, []string{"c", "b", "d"}, r.Snapshot())
}

func TestRegistry_SweepExpiredClassifiesCause(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(clock)

	r.Register("stale")
	r.Register("closed")
	r.Register("broken")
	r.MarkDisconnected("closed", nil)
	r.MarkDisconnected("broken", errors.New("reset by peer"))

	clock.Advance(4 * time.Minute)
	r.Register("fresh")
	clock.Advance(2 * time.Minute)

	removed := r.SweepExpired(clock.Now(), DefaultExpiry)
	require.Len(t, removed, 3)

	causes := map[string]Cause{}
	for _, rm := range removed {
		causes[rm.ID] = rm.Cause
	}
	assert.Equal(t, CauseError, causes["broken"])
	assert.Equal(t, CauseNormal, causes["closed"])
	assert.Equal(t, CauseTimeout, causes["stale"])
	assert.Equal(t, []string{"fresh"}, r.Snapshot())
}

func TestRegistry_TouchKeepsEntryAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(clock)
	r.Register("a")

	clock.Advance(4 * time.Minute)
	r.Touch("a")
	clock.Advance(4 * time.Minute)

	assert.Empty(t, r.SweepExpired(clock.Now(), DefaultExpiry))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ReRegisterClearsDisconnectMark(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(clock)
	r.Register("a")
	r.MarkDisconnected("a", errors.New("boom"))
	r.Register("a")

	clock.Advance(DefaultExpiry + time.Second)
	removed := r.SweepExpired(clock.Now(), 0)
	require.Len(t, removed, 1)
	assert.Equal(t, CauseTimeout, removed[0].Cause)
}

func TestRegistry_ConcurrentMutationDuringIteration(t *testing.T) {
	r := New(clockwork.NewRealClock())
	for i := 0; i < 100; i++ {
		r.Register(fmt.Sprintf("base-%d", i))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			id := fmt.Sprintf("churn-%d", i)
			r.Register(id)
			r.Touch(id)
			r.Unregister(id)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			seen := map[string]bool{}
			for _, id := range r.Snapshot() {
				assert.False(t, seen[id], "id visited twice: %s", id)
				seen[id] = true
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 100, r.Len())
}
