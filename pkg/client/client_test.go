package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

const waitFor = 2 * time.Second

var errDialRefused = stderrors.New("dial refused")

// fakeTransport 记录调用，测试通过 events 模拟传输层事件
type fakeTransport struct {
	mu            sync.Mutex
	starts        int
	stops         int
	failStarts    int // 前 n 次 Start 失败
	events        TransportEvents
	registers     int
	unregistered  []string
	notifies      [][2]string
	requests      int
	blockRequests bool
	release       chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{release: make(chan struct{})}
}

func (f *fakeTransport) Start(ctx context.Context, ev TransportEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.events = ev
	if f.failStarts > 0 {
		f.failStarts--
		return errDialRefused
	}
	return nil
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTransport) Register(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return fmt.Sprintf("conn-%d", f.registers), nil
}

func (f *fakeTransport) Unregister(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, id)
	return nil
}

func (f *fakeTransport) NotifyReconnect(_ context.Context, oldID, newID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, [2]string{oldID, newID})
	return nil
}

func (f *fakeTransport) RequestBroadcast(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.requests++
	block := f.blockRequests
	f.mu.Unlock()
	if block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "Alice", nil
}

func (f *fakeTransport) ev() TransportEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeTransport) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// recorder 收集界面回调
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	payloads []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStatus: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnPayload: func(p string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.payloads = append(r.payloads, p)
		},
	}
}

func (r *recorder) gotPayloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recorder) gotStatuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type harness struct {
	m     *Manager
	ft    *fakeTransport
	clock *clockwork.FakeClock
	rec   *recorder
}

func newHarness(t *testing.T, mutate func(*types.ClientConfig)) *harness {
	t.Helper()

	cfg := types.DefaultClientConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		ft:    newFakeTransport(),
		clock: clockwork.NewFakeClock(),
		rec:   &recorder{},
	}
	m, err := NewManager(cfg, h.ft, WithClock(h.clock), WithHandlers(h.rec.handlers()))
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() {
		close(h.ft.release)
		m.Close()
	})
	return h
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == s }, waitFor, time.Millisecond, "want %s, have %s", s, h.m.State())
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.m.Start()
	h.waitState(t, StateConnected)
	require.Eventually(t, func() bool { return h.m.ConnectionID() != "" }, waitFor, time.Millisecond)
}

func (h *harness) blockUntil(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{9, time.Second},
		{10, 3 * time.Second},
		{500, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.n), "retry %d", tt.n)
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.m.Start()
	h.m.Start()

	starts, _ := h.ft.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, "conn-1", h.m.ConnectionID())
	assert.True(t, h.m.KeepAlive().Armed())
}

func TestManager_ConnectFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.ft.failStarts = 3

	h.m.Start()
	// first retry has no delay
	require.Eventually(t, func() bool { s, _ := h.ft.counts(); return s == 2 }, waitFor, time.Millisecond)

	// the second retry waits one second; the keep-alive ticker is the other waiter
	h.blockUntil(t, 2)
	h.clock.Advance(999 * time.Millisecond)
	h.blockUntil(t, 2)
	starts, _ := h.ft.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, StateDisconnected, h.m.State())

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { s, _ := h.ft.counts(); return s == 3 }, waitFor, time.Millisecond)

	h.blockUntil(t, 2)
	h.clock.Advance(time.Second)
	h.waitState(t, StateConnected)
	starts, _ = h.ft.counts()
	assert.Equal(t, 4, starts)
	assert.Contains(t, h.rec.gotStatuses(), StatusError)
}

func TestManager_SessionRemainingIsRecomputedOnReconnect(t *testing.T) {
	h := newHarness(t, func(c *types.ClientConfig) { c.KeepAlive.Threshold = time.Hour })
	h.connect(t)

	h.clock.Advance(100 * time.Second)
	h.ft.ev().OnReconnecting(nil)
	h.waitState(t, StateReconnecting)
	h.ft.ev().OnReconnected("conn-new")
	h.waitState(t, StateConnected)

	// 80s left, not a fresh 180s
	h.clock.Advance(79 * time.Second)
	assert.Equal(t, StateConnected, h.m.State())
	h.clock.Advance(time.Second)
	h.waitState(t, StateClosed)

	require.Eventually(t, func() bool {
		h.ft.mu.Lock()
		defer h.ft.mu.Unlock()
		return len(h.ft.notifies) == 1 && len(h.ft.unregistered) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, [2]string{"conn-1", "conn-new"}, h.ft.notifies[0])
	assert.Equal(t, []string{"conn-new"}, h.ft.unregistered)
}

func TestManager_FreshConnectRestartsSession(t *testing.T) {
	noStale := func(c *types.ClientConfig) { c.KeepAlive.Threshold = time.Hour }

	t.Run("offline then online", func(t *testing.T) {
		h := newHarness(t, noStale)
		h.connect(t)

		h.clock.Advance(10 * time.Second)
		h.m.Offline()
		h.clock.Advance(200 * time.Second)
		h.m.Online()
		h.waitState(t, StateConnected)

		h.clock.Advance(179 * time.Second)
		assert.Equal(t, StateConnected, h.m.State())
		h.clock.Advance(time.Second)
		h.waitState(t, StateClosed)
	})

	t.Run("force reconnect", func(t *testing.T) {
		h := newHarness(t, noStale)
		h.connect(t)

		h.clock.Advance(100 * time.Second)
		h.m.ForceReconnect()
		require.Eventually(t, func() bool { s, _ := h.ft.counts(); return s == 2 }, waitFor, time.Millisecond)
		h.waitState(t, StateConnected)

		// a full 180s again, not the 80s left of the first session
		h.clock.Advance(179 * time.Second)
		assert.Equal(t, StateConnected, h.m.State())
		h.clock.Advance(time.Second)
		h.waitState(t, StateClosed)
	})
}

func TestManager_SessionExhaustedWhileReconnectingCloses(t *testing.T) {
	h := newHarness(t, func(c *types.ClientConfig) { c.KeepAlive.Threshold = time.Hour })
	h.connect(t)

	h.ft.ev().OnReconnecting(stderrors.New("link dropped"))
	h.waitState(t, StateReconnecting)
	h.clock.Advance(180 * time.Second)
	h.ft.ev().OnReconnected("conn-late")

	assert.Equal(t, StateClosed, h.m.State())
	select {
	case <-h.m.Done():
	case <-time.After(waitFor):
		t.Fatal("manager teardown did not finish")
	}
	_, stops := h.ft.counts()
	assert.Equal(t, 1, stops)
}

func TestManager_SessionDisabled(t *testing.T) {
	h := newHarness(t, func(c *types.ClientConfig) {
		c.Session.Enabled = false
		c.KeepAlive.Threshold = time.Hour
	})
	h.connect(t)

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, StateConnected, h.m.State())
}

func TestManager_InboundHeldWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ev := h.ft.ev()
	ev.OnPayload("p1")
	require.Eventually(t, func() bool { return len(h.rec.gotPayloads()) == 1 }, waitFor, time.Millisecond)

	ev.OnReconnecting(nil)
	ev.OnPayload("p2")
	ev.OnPayload("p3")
	assert.Equal(t, []string{"p1"}, h.rec.gotPayloads())

	ev.OnReconnected("conn-2")
	ev.OnPayload("p4")

	require.Eventually(t, func() bool { return len(h.rec.gotPayloads()) == 4 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, h.rec.gotPayloads())
}

func TestManager_OutboundResentAfterReconnect(t *testing.T) {
	h := newHarness(t, func(c *types.ClientConfig) { c.KeepAlive.Threshold = time.Hour })
	h.ft.blockRequests = true
	h.connect(t)

	h.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return h.ft.requestCount() == 1 }, waitFor, time.Millisecond)
	require.True(t, h.m.pendingOutbound.Load())

	h.ft.ev().OnReconnecting(nil)
	h.ft.ev().OnReconnected("conn-2")

	require.Eventually(t, func() bool { return h.ft.requestCount() == 2 }, waitFor, time.Millisecond)
}

func TestManager_NoOutboundResendWhenIdle(t *testing.T) {
	h := newHarness(t, func(c *types.ClientConfig) { c.KeepAlive.Threshold = time.Hour })
	h.connect(t)

	h.ft.ev().OnReconnecting(nil)
	h.ft.ev().OnReconnected("conn-2")
	h.waitState(t, StateConnected)

	assert.Equal(t, 0, h.ft.requestCount())
	assert.False(t, h.m.pendingOutbound.Load())
}

func TestManager_CloseCancelsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.m.Close()
	h.m.Close()
	assert.Equal(t, StateClosed, h.m.State())
	assert.False(t, h.m.KeepAlive().Armed())

	select {
	case <-h.m.Done():
	case <-time.After(waitFor):
		t.Fatal("manager teardown did not finish")
	}
	// nothing armed before Close may fire afterwards
	h.clock.Advance(time.Hour)
	h.m.Start()
	h.m.ForceReconnect()

	starts, stops := h.ft.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, []string{"conn-1"}, h.ft.unregistered)
	assert.Equal(t, StateClosed, h.m.State())

	statuses := h.rec.gotStatuses()
	assert.Equal(t, StatusClosed, statuses[len(statuses)-1])
}

func TestManager_OfflineSuppressesReconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.m.Offline()
	assert.Equal(t, StateDisconnected, h.m.State())

	// stale polls while offline do not reconnect
	h.m.Start()
	h.clock.Advance(time.Minute)
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.True(t, h.m.KeepAlive().Armed())

	h.m.Online()
	h.waitState(t, StateConnected)

	starts, stops := h.ft.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
	assert.Contains(t, h.rec.gotStatuses(), StatusOffline)
}

func TestManager_TransportGaveUpRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.ft.ev().OnReconnecting(nil)
	h.ft.ev().OnClosed(stderrors.New("max attempts"))

	// first retry fires immediately
	h.waitState(t, StateConnected)
	starts, stops := h.ft.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}

func TestManager_StaleEventsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	old := h.ft.ev()

	h.m.ForceReconnect()
	require.Eventually(t, func() bool { s, _ := h.ft.counts(); return s == 2 }, waitFor, time.Millisecond)
	h.waitState(t, StateConnected)

	old.OnReconnecting(nil)
	old.OnClosed(nil)
	assert.Equal(t, StateConnected, h.m.State())
}

func TestManager_KeepAliveForcesReconnectAfterSilence(t *testing.T) {
	h := newHarness(t, nil)
	ka := h.m.KeepAlive()

	step := func(d time.Duration, polls int64) {
		t.Helper()
		h.clock.Advance(d)
		require.Eventually(t, func() bool { return ka.Polls() == polls }, waitFor, time.Millisecond)
	}

	// the poller runs from construction, so polls land at t0+3s, t0+8s, ...
	h.clock.Advance(2 * time.Second)
	h.connect(t)

	step(3*time.Second, 1)
	step(5*time.Second, 2)
	h.clock.Advance(4 * time.Second)
	h.ft.ev().OnActivity() // last activity at t0+12s
	step(time.Second, 3)
	step(5*time.Second, 4)
	step(5*time.Second, 5)
	step(5*time.Second, 6) // t0+28s: 16s of silence
	starts, _ := h.ft.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, int64(0), ka.Fired())

	step(5*time.Second, 7) // t0+33s: 21s of silence
	assert.Equal(t, int64(1), ka.Fired())
	require.Eventually(t, func() bool { s, _ := h.ft.counts(); return s == 2 }, waitFor, time.Millisecond)
	h.waitState(t, StateConnected)
	_, stops := h.ft.counts()
	assert.Equal(t, 1, stops)
}

func TestNewManager_Validation(t *testing.T) {
	cfg := types.DefaultClientConfig()
	_, err := NewManager(cfg, nil)
	assert.Error(t, err)

	cfg.InboundBuffer = 0
	_, err = NewManager(cfg, newFakeTransport())
	assert.Error(t, err)
}
