package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/protocol"
	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

const controlWriteTimeout = 5 * time.Second

// Handlers 连接事件回调，都在连接自己的协程中调用
type Handlers struct {
	OnFrame    func(*protocol.Frame)
	OnActivity func()          // 收到任何帧、ping 或 pong
	OnClose    func(err error) // 正常关闭时 err 为 nil
}

// Options 连接选项
type Options struct {
	ID          string
	Config      types.ConnConfig
	Wire        *protocol.Wire
	Logger      *zap.Logger
	ErrorCenter *errors.ErrorCenter
	Handlers    Handlers
}

// Stats 连接统计
type Stats struct {
	Sent     int64
	Received int64
	Dropped  int64
}

type outbound struct {
	frame  *protocol.Frame
	result chan error // 可为空
}

// Connection WebSocket连接：单写协程串行发送，读协程分发帧，定时发送心跳
type Connection struct {
	conn        *websocket.Conn
	id          string
	config      types.ConnConfig
	wire        *protocol.Wire
	logger      *zap.Logger
	errorCenter *errors.ErrorCenter
	handlers    Handlers

	isConnected  atomic.Bool
	messageQueue chan outbound
	done         chan struct{}
	closeOnce    sync.Once
	closeErr     error

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// New 包装已建立的 websocket 连接
func New(wsConn *websocket.Conn, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ErrorCenter == nil {
		opts.ErrorCenter = errors.NewErrorCenter()
	}
	if opts.Wire == nil {
		opts.Wire, _ = protocol.NewWire(protocol.JSON, "none")
	}
	if opts.Config.BufferSize <= 0 {
		opts.Config = types.DefaultConnConfig()
	}

	c := &Connection{
		conn:         wsConn,
		id:           opts.ID,
		config:       opts.Config,
		wire:         opts.Wire,
		logger:       opts.Logger.With(zap.String("conn_id", opts.ID)),
		errorCenter:  opts.ErrorCenter,
		handlers:     opts.Handlers,
		messageQueue: make(chan outbound, opts.Config.BufferSize),
		done:         make(chan struct{}),
	}
	c.isConnected.Store(true)
	return c
}

// Start 启动读写协程
func (c *Connection) Start() {
	go c.writeLoop()
	go c.readLoop()
}

// ID 连接ID
func (c *Connection) ID() string {
	return c.id
}

// IsConnected 检查连接状态
func (c *Connection) IsConnected() bool {
	return c.isConnected.Load()
}

// Done 连接关闭后返回的通道被关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err 关闭原因，正常关闭或未关闭时为 nil
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Stats 获取统计信息
func (c *Connection) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}

// Send 放入发送队列，不等待写出
func (c *Connection) Send(f *protocol.Frame) error {
	return c.enqueue(outbound{frame: f})
}

// SendSync 放入发送队列并等待写出结果
func (c *Connection) SendSync(ctx context.Context, f *protocol.Frame) error {
	result := make(chan error, 1)
	if err := c.enqueue(outbound{frame: f, result: result}); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		// 写协程可能在关闭前已经写出
		select {
		case err := <-result:
			return err
		default:
			return errors.ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) enqueue(msg outbound) error {
	if !c.isConnected.Load() {
		return errors.ErrConnectionClosed
	}

	select {
	case c.messageQueue <- msg:
		return nil
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
		c.dropped.Inc()
		return errors.ErrBufferFull
	}
}

// Close 主动关闭连接，尽量发送关闭帧
func (c *Connection) Close() {
	if c.isConnected.Load() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteTimeout))
	}
	c.shutdown(nil)
}

// writeLoop 串行写出业务帧并定时发送心跳
func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-c.messageQueue:
			err := c.writeFrame(msg.frame)
			if msg.result != nil {
				msg.result <- err
			}
			if err != nil {
				c.errorCenter.ReportError(errors.New(errors.KindDelivery, c.id, err))
				c.shutdown(err)
				return
			}
			c.sent.Inc()

		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteTimeout)); err != nil {
				// 由读超时判定连接失效
				c.logger.Debug("heartbeat send failed", zap.Error(err))
			}

		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeFrame(f *protocol.Frame) error {
	msgType, data, err := c.wire.Marshal(f)
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("write message failed: %w", err)
	}
	return nil
}

// readLoop 读取帧直到连接关闭或读超时
func (c *Connection) readLoop() {
	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.extendReadDeadline()

	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		c.activity()
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.extendReadDeadline()
		c.activity()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || !c.isConnected.Load() {
				c.shutdown(nil)
				return
			}
			c.errorCenter.ReportError(fmt.Errorf("read message error [%s]: %w", c.id, err))
			c.shutdown(err)
			return
		}

		c.extendReadDeadline()
		c.received.Inc()
		c.activity()

		frame, err := c.wire.Unmarshal(msgType, data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			c.errorCenter.ReportError(err)
			continue
		}
		if c.handlers.OnFrame != nil {
			c.handlers.OnFrame(frame)
		}
	}
}

func (c *Connection) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *Connection) activity() {
	if c.handlers.OnActivity != nil {
		c.handlers.OnActivity()
	}
}

// shutdown 只执行一次：标记断开、释放底层连接并回调 OnClose
func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.isConnected.Store(false)
		c.closeErr = err
		close(c.done)
		_ = c.conn.Close()

		if err != nil {
			c.logger.Info("connection closed", zap.Error(err))
		} else {
			c.logger.Debug("connection closed")
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(err)
		}
	})
}
