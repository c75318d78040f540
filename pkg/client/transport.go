package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/internal/conn"
	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/protocol"
	"github.com/BetaCatPro/ws-beacon/internal/utils"
	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

const (
	helloTimeout  = 10 * time.Second
	invokeTimeout = 10 * time.Second
)

// TransportEvents 传输层回调，可能在任意协程中调用
type TransportEvents struct {
	OnPayload      func(payload string)
	OnConnectedAck func(message string)
	OnActivity     func()
	OnReconnecting func(err error)
	OnReconnected  func(connectionID string)
	OnClosed       func(err error) // 传输层放弃自动重连
}

// Transport 客户端到服务端的双向通道
type Transport interface {
	// Start 建立连接，成功返回时已拿到服务端分配的连接ID。
	// 连接断开后传输层自行重连，ctx 结束时停止重连。
	Start(ctx context.Context, events TransportEvents) error
	Stop()
	Register(ctx context.Context) (string, error)
	Unregister(ctx context.Context, connectionID string) error
	NotifyReconnect(ctx context.Context, oldID, newID string) error
	RequestBroadcast(ctx context.Context) (string, error)
}

// WebSocketTransport 基于 conn.Connection 的 Transport 实现
type WebSocketTransport struct {
	url         string
	config      types.ConnConfig
	wire        *protocol.Wire
	reconnect   *conn.ReconnectManager
	logger      *zap.Logger
	errorCenter *errors.ErrorCenter
	headers     http.Header

	mu  sync.Mutex
	run *transportRun
}

// NewWebSocketTransport 按客户端配置创建传输层
func NewWebSocketTransport(cfg types.ClientConfig, reconnect *conn.ReconnectManager, logger *zap.Logger, errorCenter *errors.ErrorCenter) (*WebSocketTransport, error) {
	if !utils.IsValidURL(cfg.URL) {
		return nil, fmt.Errorf("%w: bad url %q", errors.ErrInvalidConfig, cfg.URL)
	}
	wire, err := protocol.NewWire(cfg.Protocol, cfg.Compression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if errorCenter == nil {
		errorCenter = errors.NewErrorCenter()
	}
	if reconnect == nil {
		reconnect = conn.NewReconnectManager(cfg.Reconnect, nil, logger, errorCenter)
	}

	u, _ := url.Parse(cfg.URL)
	q := u.Query()
	q.Set("protocol", wire.Codec.Name())
	q.Set("compression", wire.Compressor.Name())
	u.RawQuery = q.Encode()

	return &WebSocketTransport{
		url:         u.String(),
		config:      cfg.Conn,
		wire:        wire,
		reconnect:   reconnect,
		logger:      logger,
		errorCenter: errorCenter,
		headers:     http.Header{},
	}, nil
}

// SetHeader 设置握手请求头，下一次拨号生效
func (t *WebSocketTransport) SetHeader(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers.Set(key, value)
}

// ConnectionID 当前连接ID，未连接时为空
func (t *WebSocketTransport) ConnectionID() string {
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	if run == nil {
		return ""
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.id
}

func (t *WebSocketTransport) Start(ctx context.Context, events TransportEvents) error {
	t.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	header := t.headers.Clone()
	run := &transportRun{
		t:       t,
		ctx:     runCtx,
		cancel:  cancel,
		events:  events,
		header:  header,
		pending: make(map[string]chan *protocol.Frame),
	}
	t.run = run
	t.mu.Unlock()

	ws, err := t.reconnect.Dial(runCtx, t.url, header)
	if err != nil {
		cancel()
		return err
	}
	if err := run.attach(ws); err != nil {
		cancel()
		return errors.New(errors.KindConnect, "", err)
	}
	return nil
}

func (t *WebSocketTransport) Stop() {
	t.mu.Lock()
	run := t.run
	t.run = nil
	t.mu.Unlock()
	if run != nil {
		run.stop()
	}
}

func (t *WebSocketTransport) Register(ctx context.Context) (string, error) {
	return t.call(ctx, protocol.MethodRegister)
}

func (t *WebSocketTransport) Unregister(ctx context.Context, connectionID string) error {
	_, err := t.call(ctx, protocol.MethodUnregister, connectionID)
	return err
}

func (t *WebSocketTransport) NotifyReconnect(ctx context.Context, oldID, newID string) error {
	_, err := t.call(ctx, protocol.MethodNotifyReconnect, oldID, newID)
	return err
}

func (t *WebSocketTransport) RequestBroadcast(ctx context.Context) (string, error) {
	return t.call(ctx, protocol.MethodRequestBroadcast)
}

func (t *WebSocketTransport) call(ctx context.Context, method string, args ...string) (string, error) {
	t.mu.Lock()
	run := t.run
	t.mu.Unlock()
	if run == nil {
		return "", errors.ErrNotConnected
	}
	return run.invoke(ctx, method, args...)
}

// transportRun 一次 Start 到 Stop 之间的状态，跨越多次自动重连
type transportRun struct {
	t      *WebSocketTransport
	ctx    context.Context
	cancel context.CancelFunc
	events TransportEvents
	header http.Header

	mu      sync.Mutex
	conn    *conn.Connection
	id      string
	pending map[string]chan *protocol.Frame
}

// attach 包装新连接并等待 hello，成功后才成为当前连接
func (r *transportRun) attach(ws *websocket.Conn) error {
	hello := make(chan string, 1)
	var c *conn.Connection
	c = conn.New(ws, conn.Options{
		ID:          "client",
		Config:      r.t.config,
		Wire:        r.t.wire,
		Logger:      r.t.logger,
		ErrorCenter: r.t.errorCenter,
		Handlers: conn.Handlers{
			OnFrame:    func(f *protocol.Frame) { r.onFrame(f, hello) },
			OnActivity: r.onActivity,
			OnClose:    func(err error) { r.lost(c, err) },
		},
	})
	c.Start()

	ctx, cancel := context.WithTimeout(r.ctx, helloTimeout)
	defer cancel()

	select {
	case id := <-hello:
		r.mu.Lock()
		select {
		case <-c.Done():
			// hello 之后立刻断开，lost 已经因为 conn 不匹配而忽略了它
			r.mu.Unlock()
			return errors.ErrConnectionClosed
		default:
		}
		r.conn, r.id = c, id
		r.mu.Unlock()
		if r.ctx.Err() != nil {
			// Stop 已经发生
			c.Close()
			return r.ctx.Err()
		}
		r.t.logger.Info("transport connected", zap.String("connection_id", id))
		return nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return err
		}
		return errors.ErrConnectionClosed
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

func (r *transportRun) onFrame(f *protocol.Frame, hello chan<- string) {
	switch f.Type {
	case protocol.TypeResult:
		r.mu.Lock()
		ch, ok := r.pending[f.ID]
		delete(r.pending, f.ID)
		r.mu.Unlock()
		if ok {
			ch <- f
		}
	case protocol.TypeEvent:
		switch f.Target {
		case protocol.EventHello:
			select {
			case hello <- f.Arg(0):
			default:
			}
		case protocol.EventBroadcastValue:
			if r.events.OnPayload != nil {
				r.events.OnPayload(f.Arg(0))
			}
		case protocol.EventConnectedAck:
			if r.events.OnConnectedAck != nil {
				r.events.OnConnectedAck(f.Arg(0))
			}
		default:
			r.t.logger.Debug("ignoring event", zap.String("event", f.Target))
		}
	}
}

func (r *transportRun) onActivity() {
	if r.events.OnActivity != nil {
		r.events.OnActivity()
	}
}

// lost 当前连接断开：通知重连中，使挂起调用失败，然后后台重连
func (r *transportRun) lost(c *conn.Connection, err error) {
	r.mu.Lock()
	if r.conn != c {
		r.mu.Unlock()
		return
	}
	r.conn, r.id = nil, ""
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		r.failPending()
		return
	}

	r.t.logger.Warn("transport lost, reconnecting", zap.Error(err))
	if r.events.OnReconnecting != nil {
		r.events.OnReconnecting(err)
	}
	r.failPending()
	go r.reconnectLoop()
}

func (r *transportRun) reconnectLoop() {
	for {
		ws, err := r.t.reconnect.DialWithBackoff(r.ctx, r.t.url, r.header)
		if err != nil {
			if r.ctx.Err() == nil {
				r.t.logger.Error("transport gave up", zap.Error(err))
				if r.events.OnClosed != nil {
					r.events.OnClosed(err)
				}
			}
			return
		}
		if err := r.attach(ws); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.t.logger.Warn("reattach failed", zap.Error(err))
			continue
		}

		r.mu.Lock()
		id := r.id
		r.mu.Unlock()
		if r.events.OnReconnected != nil {
			r.events.OnReconnected(id)
		}
		return
	}
}

func (r *transportRun) invoke(ctx context.Context, method string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	callID := utils.GenerateInvocationID()
	ch := make(chan *protocol.Frame, 1)

	r.mu.Lock()
	c := r.conn
	if c == nil {
		r.mu.Unlock()
		return "", errors.ErrNotConnected
	}
	r.pending[callID] = ch
	r.mu.Unlock()

	if err := c.SendSync(ctx, protocol.NewInvoke(callID, method, args...)); err != nil {
		r.forget(callID)
		return "", err
	}

	select {
	case f := <-ch:
		if f == nil {
			return "", errors.ErrConnectionClosed
		}
		if f.Error != "" {
			return "", fmt.Errorf("%w: %s: %s", errors.ErrProtocolError, method, f.Error)
		}
		return f.Result, nil
	case <-ctx.Done():
		r.forget(callID)
		return "", ctx.Err()
	}
}

func (r *transportRun) forget(callID string) {
	r.mu.Lock()
	delete(r.pending, callID)
	r.mu.Unlock()
}

func (r *transportRun) failPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan *protocol.Frame)
	r.mu.Unlock()
	for _, ch := range pending {
		ch <- nil
	}
}

func (r *transportRun) stop() {
	r.cancel()
	r.mu.Lock()
	c := r.conn
	r.conn, r.id = nil, ""
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
	r.failPending()
}
