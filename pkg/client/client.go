package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/replay"
	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

const unregisterTimeout = 2 * time.Second

// Handlers 界面回调，在同一个分发协程中按状态变化顺序执行
type Handlers struct {
	OnStatus  func(Status)
	OnPayload func(string)
}

// Option 管理器选项
type Option func(*Manager)

// WithClock 替换时间源
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithErrorCenter 设置错误中心
func WithErrorCenter(ec *errors.ErrorCenter) Option {
	return func(m *Manager) { m.errorCenter = ec }
}

// WithHandlers 设置界面回调
func WithHandlers(h Handlers) Option {
	return func(m *Manager) { m.handlers = h }
}

// timerSlot 同类定时器只保留一个，代号过期的回调直接丢弃
type timerSlot struct {
	timer clockwork.Timer
	gen   uint64
}

// Manager 客户端连接状态机。所有状态变化都在 mu 下完成，
// 传输层调用与界面回调都在锁外异步执行。
type Manager struct {
	config      types.ClientConfig
	transport   Transport
	clock       clockwork.Clock
	logger      *zap.Logger
	errorCenter *errors.ErrorCenter
	handlers    Handlers

	ctx    context.Context
	cancel context.CancelFunc

	ops      *serialQueue // Start/Stop 串行执行
	dispatch *serialQueue // 界面回调
	done     chan struct{}

	keepAlive *KeepAliveMonitor
	inbound   *replay.Buffer[string]

	pendingOutbound atomic.Bool

	mu                sync.Mutex
	state             State
	suppressed        bool // 离线时不自动重连
	retryCount        int
	connGen           uint64
	attemptCancel     context.CancelFunc
	connectionID      string
	sessionStart      time.Time
	resendOnReconnect bool

	retry    timerSlot
	session  timerSlot
	outbound timerSlot
}

// NewManager 创建状态机，初始为 Disconnected
func NewManager(cfg types.ClientConfig, transport Transport, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.ErrInvalidConfig
	}

	m := &Manager{
		config:    cfg,
		transport: transport,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.errorCenter == nil {
		m.errorCenter = errors.NewErrorCenter()
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.ops = newSerialQueue()
	m.dispatch = newSerialQueue()
	m.inbound = replay.NewBuffer[string](cfg.InboundBuffer)
	m.keepAlive = NewKeepAliveMonitor(cfg.KeepAlive, m.clock, m.logger, m.staleLink)
	// 轮询随管理器存在，相位与连接时刻无关
	m.keepAlive.Arm()
	return m, nil
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID 服务端分配的连接ID
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// KeepAlive 保活监控器
func (m *Manager) KeepAlive() *KeepAliveMonitor {
	return m.keepAlive
}

// Done 在 Close 的清理完成后关闭
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Start Disconnected 时开始连接；其它状态或离线时什么也不做
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suppressed {
		m.logger.Debug("start suppressed while offline")
		return
	}
	if m.state != StateDisconnected {
		return
	}
	m.connectLocked()
}

// TouchActivity 记录一次活动
func (m *Manager) TouchActivity() {
	m.keepAlive.Touch()
}

// ForceReconnect 停掉当前传输并立即重新连接，不经过退避
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceReconnectLocked()
}

// Offline 网络断开：停止传输，进入 Disconnected，直到 Online 前不自动重连
func (m *Manager) Offline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return
	}
	m.suppressed = true
	m.cancelTimersLocked()
	if m.state != StateDisconnected {
		m.stopTransportLocked()
		m.setStateLocked(StateDisconnected)
	}
	m.errorCenter.ReportError(errors.New(errors.KindSuppressed, m.connectionID, errors.ErrNotConnected))
	m.emitLocked(StatusOffline)
}

// Online 网络恢复：解除抑制，未连接时开始连接
func (m *Manager) Online() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return
	}
	m.suppressed = false
	if m.state == StateDisconnected {
		m.connectLocked()
	}
}

// Close 进入 Closed：取消所有定时器，尽力注销后停止传输。之后不再自动重连。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked("closed by caller")
}

func (m *Manager) closeLocked(reason string) {
	if m.state == StateClosed {
		return
	}
	wasConnected := m.state == StateConnected
	m.setStateLocked(StateClosed)
	m.cancelTimersLocked()
	m.keepAlive.Disarm()
	m.inbound.Drain()
	m.connGen++

	cancel := m.attemptCancel
	m.attemptCancel = nil
	id := m.connectionID
	if !wasConnected && cancel != nil {
		cancel()
	}

	m.ops.Post(func() {
		if wasConnected && id != "" {
			ctx, stop := context.WithTimeout(context.Background(), unregisterTimeout)
			if err := m.transport.Unregister(ctx, id); err != nil {
				m.logger.Debug("unregister on close failed", zap.Error(err))
			}
			stop()
		}
		if cancel != nil {
			cancel()
		}
		m.transport.Stop()
		m.cancel()
	})
	m.ops.Close()
	m.logger.Info("connection manager closed", zap.String("reason", reason))
	m.emitLocked(StatusClosed)
	m.dispatch.Close()

	go func() {
		<-m.ops.Done()
		<-m.dispatch.Done()
		close(m.done)
	}()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state transition", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
}

func (m *Manager) emitLocked(s Status) {
	if h := m.handlers.OnStatus; h != nil {
		m.dispatch.Post(func() { h(s) })
	}
}

func (m *Manager) deliverLocked(payload string) {
	if h := m.handlers.OnPayload; h != nil {
		m.dispatch.Post(func() { h(payload) })
	}
}

// connectLocked 进入 Connecting 并在 ops 队列中发起一次连接
func (m *Manager) connectLocked() {
	m.cancelSlotLocked(&m.retry)
	m.setStateLocked(StateConnecting)
	m.emitLocked(StatusConnecting)

	m.connGen++
	gen := m.connGen
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCancel = cancel
	events := m.eventsFor(gen)

	m.ops.Post(func() {
		err := m.transport.Start(ctx, events)
		m.connectDone(ctx, gen, err)
	})
}

func (m *Manager) connectDone(ctx context.Context, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.connGen || m.state != StateConnecting {
		return
	}
	if err != nil {
		m.logger.Warn("connect failed", zap.Int("retry", m.retryCount), zap.Error(err))
		m.attemptCancel()
		m.attemptCancel = nil
		m.setStateLocked(StateDisconnected)
		m.errorCenter.ReportError(errors.New(errors.KindConnect, "", err))
		m.emitLocked(StatusError)
		m.scheduleRetryLocked()
		return
	}

	m.retryCount = 0
	if !m.enterConnectedLocked(false) {
		return
	}
	go m.register(ctx, gen)
}

// enterConnectedLocked 进入 Connected 的公共副作用。
// 新建连接重新开始会话计时；自动重连只拿回剩余时长，已耗尽时转入 Closed 并返回 false。
func (m *Manager) enterConnectedLocked(resumed bool) bool {
	now := m.clock.Now()
	if m.config.Session.Enabled {
		if !resumed || m.sessionStart.IsZero() {
			m.sessionStart = now
		}
		remaining := m.config.Session.Duration - now.Sub(m.sessionStart)
		if remaining <= 0 {
			m.errorCenter.ReportError(errors.New(errors.KindSessionExpired, m.connectionID, errors.ErrClosed))
			m.closeLocked("session expired")
			return false
		}
		m.armSlotLocked(&m.session, remaining, func() {
			if m.state == StateConnected {
				m.closeLocked("session expired")
			}
		})
	}

	m.setStateLocked(StateConnected)
	m.keepAlive.Arm()
	m.armOutboundLocked()
	m.emitLocked(StatusConnected)
	for _, p := range m.inbound.Drain() {
		m.deliverLocked(p)
	}
	return true
}

func (m *Manager) register(ctx context.Context, gen uint64) {
	id, err := m.transport.Register(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.connGen {
		return
	}
	if err != nil {
		m.logger.Warn("register failed", zap.Error(err))
		m.errorCenter.ReportError(errors.New(errors.KindConnect, "", err))
		return
	}
	m.connectionID = id
	m.logger.Info("registered", zap.String("connection_id", id))
}

func (m *Manager) scheduleRetryLocked() {
	if m.suppressed || m.state == StateClosed {
		return
	}
	delay := retryDelay(m.retryCount)
	m.retryCount++
	m.logger.Debug("scheduling retry", zap.Int("retry", m.retryCount), zap.Duration("delay", delay))
	m.armSlotLocked(&m.retry, delay, func() {
		if m.state == StateDisconnected && !m.suppressed {
			m.connectLocked()
		}
	})
}

func (m *Manager) forceReconnectLocked() {
	if m.state != StateConnected && m.state != StateReconnecting {
		return
	}
	m.cancelTimersLocked()
	m.stopTransportLocked()
	m.connectLocked()
}

// stopTransportLocked 取消当前连接尝试，之后的传输层事件全部作废
func (m *Manager) stopTransportLocked() {
	m.connGen++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.ops.Post(m.transport.Stop)
}

func (m *Manager) staleLink() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || !m.keepAlive.Stale() {
		return
	}
	m.logger.Warn("link stale, forcing reconnect",
		zap.Time("last_activity", m.keepAlive.LastActivity()))
	m.errorCenter.ReportError(errors.New(errors.KindStaleLink, m.connectionID, errors.ErrNotConnected))
	m.forceReconnectLocked()
}

func (m *Manager) armOutboundLocked() {
	m.armSlotLocked(&m.outbound, m.config.OutboundInterval, func() {
		if m.state != StateConnected {
			return
		}
		m.sendOutboundLocked()
		m.armOutboundLocked()
	})
}

func (m *Manager) sendOutboundLocked() {
	m.pendingOutbound.Store(true)
	gen := m.connGen
	ctx := m.ctx
	go func() {
		payload, err := m.transport.RequestBroadcast(ctx)
		m.pendingOutbound.Store(false)
		if err != nil {
			m.logger.Debug("outbound request failed", zap.Uint64("gen", gen), zap.Error(err))
			return
		}
		m.logger.Debug("outbound request done", zap.String("payload", payload))
	}()
}

func (m *Manager) cancelTimersLocked() {
	m.cancelSlotLocked(&m.retry)
	m.cancelSlotLocked(&m.session)
	m.cancelSlotLocked(&m.outbound)
}

func (m *Manager) armSlotLocked(slot *timerSlot, d time.Duration, fn func()) {
	m.cancelSlotLocked(slot)
	gen := slot.gen
	slot.timer = m.clock.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if slot.gen != gen || m.state == StateClosed {
			return
		}
		slot.timer = nil
		fn()
	})
}

func (m *Manager) cancelSlotLocked(slot *timerSlot) {
	slot.gen++
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
}

// eventsFor 绑定连接代号，旧连接的事件不会影响新状态
func (m *Manager) eventsFor(gen uint64) TransportEvents {
	return TransportEvents{
		OnPayload: func(payload string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.connGen || m.state == StateClosed {
				return
			}
			m.keepAlive.Touch()
			if m.state == StateConnected {
				m.deliverLocked(payload)
				return
			}
			if evicted := m.inbound.Push(payload); evicted > 0 {
				m.logger.Warn("inbound buffer full, dropped oldest payload")
			}
		},
		OnConnectedAck: func(message string) {
			m.keepAlive.Touch()
			m.logger.Debug("connected ack", zap.String("message", message))
		},
		OnActivity: m.keepAlive.Touch,
		OnReconnecting: func(err error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.connGen || m.state != StateConnected {
				return
			}
			m.resendOnReconnect = m.pendingOutbound.Load()
			m.cancelSlotLocked(&m.session)
			m.cancelSlotLocked(&m.outbound)
			m.setStateLocked(StateReconnecting)
			if err != nil {
				m.errorCenter.ReportError(errors.New(errors.KindConnect, m.connectionID, err))
			}
			m.emitLocked(StatusReconnecting)
		},
		OnReconnected: func(newID string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.connGen || m.state != StateReconnecting {
				return
			}
			oldID := m.connectionID
			m.connectionID = newID
			if !m.enterConnectedLocked(true) {
				return
			}
			ctx := m.ctx
			go func() {
				if err := m.transport.NotifyReconnect(ctx, oldID, newID); err != nil {
					m.logger.Warn("notify reconnect failed", zap.Error(err))
				}
			}()
			if m.resendOnReconnect {
				m.resendOnReconnect = false
				m.sendOutboundLocked()
			}
		},
		OnClosed: func(err error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen != m.connGen || (m.state != StateConnected && m.state != StateReconnecting) {
				return
			}
			m.cancelTimersLocked()
			m.stopTransportLocked()
			m.setStateLocked(StateDisconnected)
			m.errorCenter.ReportError(errors.New(errors.KindConnect, m.connectionID, err))
			m.emitLocked(StatusError)
			m.scheduleRetryLocked()
		},
	}
}
