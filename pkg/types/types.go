package types

import (
	"fmt"
	"time"

	"github.com/BetaCatPro/ws-beacon/internal/errors"
)

// ConnConfig 单条WebSocket连接配置
type ConnConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // 心跳间隔
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`       // 读超时，收到任何帧或pong时顺延
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`      // 单帧写超时
	BufferSize        int           `mapstructure:"buffer_size"`        // 发送队列大小
	MaxMessageSize    int64         `mapstructure:"max_message_size"`   // 单帧最大字节数
}

// ReconnectConfig 传输层重连配置
type ReconnectConfig struct {
	BaseTime time.Duration `mapstructure:"base_time"` // 重连基础时间
	MaxDelay time.Duration `mapstructure:"max_delay"` // 单次等待上限
	MaxTimes int           `mapstructure:"max_times"` // 最大重连次数，0表示不限
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug/info/warn/error
	Format     string `mapstructure:"format"` // json/console
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"` // 为空不写文件，否则按大小轮转
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// BroadcastConfig 广播调度配置
type BroadcastConfig struct {
	Period        time.Duration `mapstructure:"period"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"` // 单次广播的最大并发发送数
	Names         []string      `mapstructure:"names"`
}

// PresenceConfig 过期连接清理配置
type PresenceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Expiry   time.Duration `mapstructure:"expiry"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ServerConfig 服务端配置
type ServerConfig struct {
	Addr      string          `mapstructure:"addr"`
	Path      string          `mapstructure:"path"`
	Conn      ConnConfig      `mapstructure:"conn"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// SessionConfig 会话时长配置
type SessionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Duration time.Duration `mapstructure:"duration"`
}

// KeepAliveConfig 客户端保活监控配置
type KeepAliveConfig struct {
	Threshold time.Duration `mapstructure:"threshold"`
	Poll      time.Duration `mapstructure:"poll"`
}

// PageConfig 宿主页面传入的配置
type PageConfig struct {
	EnableRealtime bool `mapstructure:"enable_realtime"`
	InitialSeconds int  `mapstructure:"initial_seconds"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	URL              string          `mapstructure:"url"`
	Protocol         string          `mapstructure:"protocol"`    // json/protobuf
	Compression      string          `mapstructure:"compression"` // none/gzip/snappy
	Conn             ConnConfig      `mapstructure:"conn"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
	Session          SessionConfig   `mapstructure:"session"`
	KeepAlive        KeepAliveConfig `mapstructure:"keepalive"`
	OutboundInterval time.Duration   `mapstructure:"outbound_interval"`
	InboundBuffer    int             `mapstructure:"inbound_buffer"`
	Page             PageConfig      `mapstructure:"page"`
	Log              LogConfig       `mapstructure:"log"`
}

// DefaultConnConfig 默认连接配置
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		HeartbeatInterval: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BufferSize:        256,
		MaxMessageSize:    64 * 1024,
	}
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Console:    true,
		MaxSizeMB:  100,
		MaxAgeDays: 30,
		MaxBackups: 10,
	}
}

// DefaultServerConfig 默认服务端配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr: ":8080",
		Path: "/ws",
		Conn: DefaultConnConfig(),
		Broadcast: BroadcastConfig{
			Period:        10 * time.Second,
			SendTimeout:   5 * time.Second,
			MaxConcurrent: 64,
			Names:         []string{"Alice", "Bob", "Charlie", "Diana"},
		},
		Presence: PresenceConfig{
			Enabled:  true,
			Interval: time.Minute,
			Expiry:   5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: DefaultLogConfig(),
	}
}

// DefaultClientConfig 默认客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:         "ws://localhost:8080/ws",
		Protocol:    "json",
		Compression: "none",
		Conn:        DefaultConnConfig(),
		Reconnect: ReconnectConfig{
			BaseTime: time.Second,
			MaxDelay: 30 * time.Second,
		},
		Session: SessionConfig{
			Enabled:  true,
			Duration: 180 * time.Second,
		},
		KeepAlive: KeepAliveConfig{
			Threshold: 20 * time.Second,
			Poll:      5 * time.Second,
		},
		OutboundInterval: 30 * time.Second,
		InboundBuffer:    64,
		Page: PageConfig{
			EnableRealtime: true,
			InitialSeconds: 180,
		},
		Log: DefaultLogConfig(),
	}
}

// Validate 校验连接配置
func (c ConnConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return invalid("conn.heartbeat_interval must be positive")
	}
	if c.ReadTimeout <= c.HeartbeatInterval {
		return invalid("conn.read_timeout must exceed conn.heartbeat_interval")
	}
	if c.WriteTimeout <= 0 {
		return invalid("conn.write_timeout must be positive")
	}
	if c.BufferSize <= 0 {
		return invalid("conn.buffer_size must be positive")
	}
	return nil
}

// Validate 校验服务端配置
func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return invalid("addr is required")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return invalid("path must start with /")
	}
	if err := c.Conn.Validate(); err != nil {
		return err
	}
	if c.Broadcast.Period <= 0 || c.Broadcast.SendTimeout <= 0 {
		return invalid("broadcast.period and broadcast.send_timeout must be positive")
	}
	if c.Broadcast.MaxConcurrent <= 0 {
		return invalid("broadcast.max_concurrent must be positive")
	}
	if len(c.Broadcast.Names) == 0 {
		return invalid("broadcast.names must not be empty")
	}
	if c.Presence.Enabled && (c.Presence.Interval <= 0 || c.Presence.Expiry <= 0) {
		return invalid("presence.interval and presence.expiry must be positive")
	}
	return nil
}

// Validate 校验客户端配置
func (c ClientConfig) Validate() error {
	if c.URL == "" {
		return invalid("url is required")
	}
	switch c.Protocol {
	case "json", "protobuf":
	default:
		return invalid(fmt.Sprintf("unsupported protocol %q", c.Protocol))
	}
	switch c.Compression {
	case "none", "gzip", "snappy":
	default:
		return invalid(fmt.Sprintf("unsupported compression %q", c.Compression))
	}
	if err := c.Conn.Validate(); err != nil {
		return err
	}
	if c.Reconnect.BaseTime <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseTime {
		return invalid("reconnect.base_time must be positive and not exceed reconnect.max_delay")
	}
	if c.Reconnect.MaxTimes < 0 {
		return invalid("reconnect.max_times must not be negative")
	}
	if c.Session.Enabled && c.Session.Duration <= 0 {
		return invalid("session.duration must be positive")
	}
	if c.KeepAlive.Poll <= 0 || c.KeepAlive.Threshold <= 0 {
		return invalid("keepalive.poll and keepalive.threshold must be positive")
	}
	if c.OutboundInterval <= 0 {
		return invalid("outbound_interval must be positive")
	}
	if c.InboundBuffer <= 0 {
		return invalid("inbound_buffer must be positive")
	}
	if c.Page.InitialSeconds < 0 {
		return invalid("page.initial_seconds must not be negative")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg)
}
