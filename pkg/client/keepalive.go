package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

// KeepAliveMonitor 不依赖传输层关闭事件的静默检测。
// Arm 之后每个 Poll 周期检查一次，距最后一次活动严格超过 Threshold 时调用 onStale。
// 轮询相位由第一次 Arm 决定，直到 Disarm 为止。
type KeepAliveMonitor struct {
	clock     clockwork.Clock
	threshold time.Duration
	poll      time.Duration
	onStale   func()
	logger    *zap.Logger

	mu     sync.Mutex
	last   time.Time
	ticker clockwork.Ticker
	stop   chan struct{}

	polls atomic.Int64
	fired atomic.Int64
}

// NewKeepAliveMonitor 创建监控器，需调用 Arm 才开始轮询
func NewKeepAliveMonitor(cfg types.KeepAliveConfig, clock clockwork.Clock, logger *zap.Logger, onStale func()) *KeepAliveMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeepAliveMonitor{
		clock:     clock,
		threshold: cfg.Threshold,
		poll:      cfg.Poll,
		onStale:   onStale,
		logger:    logger,
		last:      clock.Now(),
	}
}

// Arm 重置活动时间，尚未轮询时开始轮询。已在轮询时沿用原有的轮询器
func (k *KeepAliveMonitor) Arm() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.last = k.clock.Now()
	if k.stop != nil {
		return
	}
	k.ticker = k.clock.NewTicker(k.poll)
	k.stop = make(chan struct{})
	go k.loop(k.ticker, k.stop)
}

// Disarm 停止轮询，可重复调用
func (k *KeepAliveMonitor) Disarm() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.disarmLocked()
}

func (k *KeepAliveMonitor) disarmLocked() {
	if k.stop == nil {
		return
	}
	k.ticker.Stop()
	close(k.stop)
	k.ticker, k.stop = nil, nil
}

// Armed 是否正在轮询
func (k *KeepAliveMonitor) Armed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}

// Touch 记录一次活动
func (k *KeepAliveMonitor) Touch() {
	k.mu.Lock()
	k.last = k.clock.Now()
	k.mu.Unlock()
}

// LastActivity 最后一次活动时间
func (k *KeepAliveMonitor) LastActivity() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.last
}

// Stale 已启动且静默严格超过阈值
func (k *KeepAliveMonitor) Stale() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil && k.clock.Since(k.last) > k.threshold
}

// Polls 已完成的检查次数
func (k *KeepAliveMonitor) Polls() int64 {
	return k.polls.Load()
}

// Fired 触发 onStale 的次数
func (k *KeepAliveMonitor) Fired() int64 {
	return k.fired.Load()
}

func (k *KeepAliveMonitor) loop(ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if k.check(stop) {
				k.fired.Inc()
				if k.onStale != nil {
					k.onStale()
				}
			}
			k.polls.Inc()
		}
	}
}

// check 只对当前这一轮轮询有效，Disarm 之后旧协程的检查失效
func (k *KeepAliveMonitor) check(stop chan struct{}) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop != stop {
		return false
	}
	silence := k.clock.Since(k.last)
	if silence > k.threshold {
		k.logger.Warn("keep-alive threshold exceeded",
			zap.Duration("silence", silence),
			zap.Duration("threshold", k.threshold))
		return true
	}
	return false
}
