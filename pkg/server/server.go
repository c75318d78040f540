package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BetaCatPro/ws-beacon/internal/broadcast"
	"github.com/BetaCatPro/ws-beacon/internal/conn"
	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/metrics"
	"github.com/BetaCatPro/ws-beacon/internal/protocol"
	"github.com/BetaCatPro/ws-beacon/internal/registry"
	"github.com/BetaCatPro/ws-beacon/internal/replay"
	"github.com/BetaCatPro/ws-beacon/internal/utils"
	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// ConnectedMessage connectedAck 事件携带的内容
const ConnectedMessage = "Connected"

// Option 服务器选项
type Option func(*Server)

// WithClock 替换时间源
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPrometheus 使用指定的指标注册表
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(s *Server) { s.promReg = reg }
}

// WithPicker 替换载荷选择函数
func WithPicker(pick func([]string) string) Option {
	return func(s *Server) { s.pick = pick }
}

// Server 广播服务器
type Server struct {
	config      types.ServerConfig
	clock       clockwork.Clock
	logger      *zap.Logger
	promReg     *prometheus.Registry
	pick        func([]string) string
	metrics     *metrics.Metrics
	errorCenter *errors.ErrorCenter

	registry  *registry.Registry
	buffer    *replay.Buffer[string]
	scheduler *broadcast.Scheduler
	conns     *conn.ConnectionManager
	upgrader  websocket.Upgrader

	mutex       sync.Mutex
	sweeperStop chan struct{}
	sweeperDone chan struct{}
	httpServer  *http.Server

	// 回调函数
	connectHandler    func(string)
	disconnectHandler func(string, error)
}

// NewServer 创建服务器
func NewServer(config types.ServerConfig, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:      config,
		errorCenter: errors.NewErrorCenter(),
		conns:       conn.NewConnectionManager(),
		buffer:      replay.NewBuffer[string](replay.DefaultCapacity),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.promReg == nil {
		s.promReg = metrics.NewRegistry()
	}
	s.metrics = metrics.New(s.promReg)
	s.registry = registry.New(s.clock)

	scheduler, err := broadcast.New(broadcast.Config{
		Period:        config.Broadcast.Period,
		SendTimeout:   config.Broadcast.SendTimeout,
		MaxConcurrent: config.Broadcast.MaxConcurrent,
		Names:         config.Broadcast.Names,
		Clock:         s.clock,
		Logger:        s.logger,
		Metrics:       s.metrics,
		Pick:          s.pick,
	}, s.registry, s.buffer, broadcast.DelivererFunc(s.deliver))
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler

	s.errorCenter.AddErrorCallback(func(err error) {
		s.logger.Debug("transport error", zap.Error(err))
	})
	return s, nil
}

// Handler 返回 HTTP 路由：websocket、指标与健康检查
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, metrics.Handler(s.promReg))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok registered=%d transports=%d\n", s.registry.Len(), s.conns.Count())
	})
	return mux
}

// Start 启动广播调度器和过期清理
func (s *Server) Start(ctx context.Context) {
	s.scheduler.Start(ctx)

	if !s.config.Presence.Enabled {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.sweeperStop != nil {
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone = make(chan struct{})
	go s.sweep(ctx, s.clock.NewTicker(s.config.Presence.Interval), s.sweeperStop, s.sweeperDone)
}

// Stop 停止后台任务并关闭所有连接
func (s *Server) Stop() {
	s.scheduler.Stop()

	s.mutex.Lock()
	stop, done := s.sweeperStop, s.sweeperDone
	s.sweeperStop, s.sweeperDone = nil, nil
	s.mutex.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	s.conns.CloseAll()
}

// Run 监听地址直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	s.mutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mutex.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	s.Start(gctx)

	g.Go(func() error {
		s.logger.Info("server listening", zap.String("addr", s.config.Addr), zap.String("path", s.config.Path))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Registry 连接注册表
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Scheduler 广播调度器
func (s *Server) Scheduler() *broadcast.Scheduler {
	return s.scheduler
}

// ReplayBuffer 重放缓冲区
func (s *Server) ReplayBuffer() *replay.Buffer[string] {
	return s.buffer
}

// ErrorCenter 错误处理中心
func (s *Server) ErrorCenter() *errors.ErrorCenter {
	return s.errorCenter
}

// SetConnectHandler 设置连接成功回调
func (s *Server) SetConnectHandler(handler func(string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connectHandler = handler
}

// SetDisconnectHandler 设置断开连接回调
func (s *Server) SetDisconnectHandler(handler func(string, error)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.disconnectHandler = handler
}

// GetStats 传输层统计
func (s *Server) GetStats() conn.Stats {
	return s.conns.Stats()
}

// GetClientCount 当前打开的传输数量
func (s *Server) GetClientCount() int {
	return s.conns.Count()
}

// handleWebSocket 升级连接，分配ID并发送 hello
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wire, err := protocol.NewWire(q.Get("protocol"), q.Get("compression"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	id := utils.GenerateConnectionID()
	var c *conn.Connection
	c = conn.New(wsConn, conn.Options{
		ID:          id,
		Config:      s.config.Conn,
		Wire:        wire,
		Logger:      s.logger,
		ErrorCenter: s.errorCenter,
		Handlers: conn.Handlers{
			OnFrame:    func(f *protocol.Frame) { s.dispatch(c, f) },
			OnActivity: func() { s.registry.Touch(id) },
			OnClose:    func(err error) { s.onClose(c, err) },
		},
	})

	s.conns.Add(c)
	s.metrics.TransportOpened()
	c.Start()

	if err := c.Send(protocol.NewEvent(protocol.EventHello, id)); err != nil {
		s.logger.Warn("hello failed", zap.String("conn_id", id), zap.Error(err))
	}
	s.logger.Info("transport opened",
		zap.String("conn_id", id),
		zap.String("protocol", wire.Codec.Name()),
		zap.String("compression", wire.Compressor.Name()))

	s.mutex.Lock()
	handler := s.connectHandler
	s.mutex.Unlock()
	if handler != nil {
		handler(id)
	}
}

func (s *Server) onClose(c *conn.Connection, err error) {
	s.conns.Remove(c)
	s.registry.MarkDisconnected(c.ID(), err)
	s.metrics.TransportClosed()

	s.mutex.Lock()
	handler := s.disconnectHandler
	s.mutex.Unlock()
	if handler != nil {
		handler(c.ID(), err)
	}
}

// deliver 把载荷同步写给一个连接
func (s *Server) deliver(ctx context.Context, id, payload string) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return errors.ErrNotConnected
	}
	return c.SendSync(ctx, protocol.NewEvent(protocol.EventBroadcastValue, payload))
}

// dispatch 处理客户端调用
func (s *Server) dispatch(c *conn.Connection, f *protocol.Frame) {
	if f.Type != protocol.TypeInvoke {
		s.logger.Debug("ignoring non-invoke frame", zap.String("conn_id", c.ID()), zap.String("type", string(f.Type)))
		return
	}

	switch f.Target {
	case protocol.MethodRegister:
		s.handleRegister(c, f)
	case protocol.MethodUnregister:
		id := f.Arg(0)
		if id == "" {
			id = c.ID()
		}
		s.registry.Unregister(id)
		s.metrics.SetRegistrySize(s.registry.Len())
		s.logger.Info("connection unregistered", zap.String("conn_id", id))
		s.reply(c, protocol.NewResult(f.ID, "", nil))
	case protocol.MethodNotifyReconnect:
		s.handleNotifyReconnect(c, f)
	case protocol.MethodRequestBroadcast:
		// 广播要等所有发送完成，不能阻塞读协程
		go func() {
			res := s.scheduler.BroadcastOnce(context.Background())
			s.reply(c, protocol.NewResult(f.ID, res.Payload, nil))
		}()
	default:
		s.reply(c, protocol.NewResult(f.ID, "", fmt.Errorf("%w: %s", errors.ErrUnknownMethod, f.Target)))
	}
}

func (s *Server) handleRegister(c *conn.Connection, f *protocol.Frame) {
	id := c.ID()
	if s.registry.Register(id) {
		s.logger.Info("connection registered", zap.String("conn_id", id))
	}
	s.metrics.SetRegistrySize(s.registry.Len())

	s.reply(c, protocol.NewResult(f.ID, id, nil))
	s.reply(c, protocol.NewEvent(protocol.EventConnectedAck, ConnectedMessage))
	// 冲刷最多要等待 DefaultCapacity 次发送，不占用读协程
	go s.flush(id)
}

func (s *Server) handleNotifyReconnect(c *conn.Connection, f *protocol.Frame) {
	oldID, newID := f.Arg(0), f.Arg(1)
	if newID == "" {
		newID = c.ID()
	}
	if oldID != "" && oldID != newID {
		s.registry.Unregister(oldID)
	}
	s.registry.Register(newID)
	s.metrics.SetRegistrySize(s.registry.Len())
	s.logger.Info("connection reconnected", zap.String("old_id", oldID), zap.String("new_id", newID))

	s.reply(c, protocol.NewResult(f.ID, newID, nil))
	go s.flush(newID)
}

func (s *Server) flush(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Broadcast.SendTimeout*replay.DefaultCapacity)
	defer cancel()

	n, err := s.scheduler.FlushTo(ctx, id)
	if err != nil {
		s.logger.Warn("replay flush interrupted", zap.String("conn_id", id), zap.Int("delivered", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("replay flushed", zap.String("conn_id", id), zap.Int("count", n))
	}
}

func (s *Server) reply(c *conn.Connection, f *protocol.Frame) {
	if err := c.Send(f); err != nil {
		s.logger.Debug("reply dropped", zap.String("conn_id", c.ID()), zap.Error(err))
	}
}

// sweep 定期清理长时间无活动的注册条目
func (s *Server) sweep(ctx context.Context, ticker clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			removed := s.registry.SweepExpired(s.clock.Now(), s.config.Presence.Expiry)
			for _, rm := range removed {
				s.metrics.ObserveRemoval(string(rm.Cause))
				s.logger.Info("connection expired",
					zap.String("conn_id", rm.ID),
					zap.String("cause", string(rm.Cause)),
					zap.Error(rm.Err))
			}
			if len(removed) > 0 {
				s.metrics.SetRegistrySize(s.registry.Len())
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
