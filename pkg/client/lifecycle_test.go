package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeController struct {
	mu      sync.Mutex
	state   State
	calls   []string
	touches int
}

func (f *fakeController) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Start()   { f.record("start") }
func (f *fakeController) Online()  { f.record("online") }
func (f *fakeController) Offline() { f.record("offline") }

func (f *fakeController) TouchActivity() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
}

func TestLifecycle_Visible(t *testing.T) {
	ctrl := &fakeController{state: StateDisconnected}
	a := NewLifecycleAdapter(ctrl, nil)

	a.Visible()
	assert.Equal(t, []string{"start"}, ctrl.calls)
	assert.Equal(t, 1, ctrl.touches)

	ctrl.state = StateConnected
	a.Visible()
	assert.Equal(t, []string{"start"}, ctrl.calls)
	assert.Equal(t, 2, ctrl.touches)
}

func TestLifecycle_HiddenDoesNothing(t *testing.T) {
	ctrl := &fakeController{state: StateDisconnected}
	NewLifecycleAdapter(ctrl, nil).Hidden()
	assert.Empty(t, ctrl.calls)
	assert.Zero(t, ctrl.touches)
}

func TestLifecycle_FreezeThenResume(t *testing.T) {
	ctrl := &fakeController{state: StateReconnecting}
	a := NewLifecycleAdapter(ctrl, nil)

	a.Freeze()
	assert.Equal(t, ReasonFrozen, a.Reason())
	assert.Empty(t, ctrl.calls)

	a.Resume()
	assert.Equal(t, ReasonNone, a.Reason())
	assert.Equal(t, []string{"start"}, ctrl.calls)

	// resume without a prior freeze
	a.Resume()
	assert.Equal(t, []string{"start"}, ctrl.calls)
}

func TestLifecycle_ResumeWhileConnected(t *testing.T) {
	ctrl := &fakeController{state: StateConnected}
	a := NewLifecycleAdapter(ctrl, nil)
	a.Freeze()
	a.Resume()
	assert.Empty(t, ctrl.calls)
}

func TestLifecycle_Network(t *testing.T) {
	ctrl := &fakeController{}
	a := NewLifecycleAdapter(ctrl, nil)
	a.Offline()
	a.Online()
	assert.Equal(t, []string{"offline", "online"}, ctrl.calls)
}
