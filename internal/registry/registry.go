package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultExpiry 默认存活超时
const DefaultExpiry = 5 * time.Minute

// Cause 移除原因
type Cause string

const (
	CauseNormal  Cause = "normal"
	CauseTimeout Cause = "timeout"
	CauseError   Cause = "error"
)

// Entry 已注册连接
type Entry struct {
	ID            string
	EstablishedAt time.Time
	LastSeen      time.Time

	seq          uint64
	disconnected bool
	closeErr     error
}

// Removal 清理结果
type Removal struct {
	ID    string
	Cause Cause
	Err   error
}

// Registry 连接注册表
type Registry struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	entries map[string]*Entry
	nextSeq uint64
}

// New 创建注册表
func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:   clock,
		entries: make(map[string]*Entry),
	}
}

// Register 注册连接。重复注册只刷新 LastSeen，返回 false
func (r *Registry) Register(id string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[id]; exists {
		e.LastSeen = now
		e.disconnected = false
		e.closeErr = nil
		return false
	}

	r.nextSeq++
	r.entries[id] = &Entry{
		ID:            id,
		EstablishedAt: now,
		LastSeen:      now,
		seq:           r.nextSeq,
	}
	return true
}

// Unregister 移除连接，未知ID忽略
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return false
	}
	delete(r.entries, id)
	return true
}

// Touch 刷新最近活动时间
func (r *Registry) Touch(id string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return false
	}
	e.LastSeen = now
	return true
}

// MarkDisconnected 记录传输层关闭，条目保留到过期清理或被显式移除。
// err 为 nil 表示正常关闭。
func (r *Registry) MarkDisconnected(id string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return false
	}
	e.disconnected = true
	e.closeErr = err
	return true
}

// Snapshot 按注册顺序返回ID拷贝，可在并发修改期间安全遍历
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *Entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// SweepExpired 移除 LastSeen 早于 now-timeout 的条目并分类原因
func (r *Registry) SweepExpired(now time.Time, timeout time.Duration) []Removal {
	if timeout <= 0 {
		timeout = DefaultExpiry
	}
	cutoff := now.Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Removal
	for id, e := range r.entries {
		if !e.LastSeen.Before(cutoff) {
			continue
		}
		removed = append(removed, Removal{ID: id, Cause: classify(e), Err: e.closeErr})
		delete(r.entries, id)
	}

	slices.SortFunc(removed, func(a, b Removal) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return removed
}

// Get 获取条目拷贝
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[id]
	if !exists {
		return Entry{}, false
	}
	return *e, true
}

// Len 已注册连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func classify(e *Entry) Cause {
	if !e.disconnected {
		return CauseTimeout
	}
	if e.closeErr != nil {
		return CauseError
	}
	return CauseNormal
}
