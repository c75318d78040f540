package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

// EnvPrefix 环境变量前缀，例如 WSBEACON_BROADCAST_PERIOD=5s
const EnvPrefix = "WSBEACON"

// LoadServer 加载服务端配置。path 为空时只使用默认值和环境变量
func LoadServer(path string) (types.ServerConfig, error) {
	v := newViper()
	setConnDefaults(v, "conn", types.DefaultConnConfig())
	setLogDefaults(v, types.DefaultLogConfig())

	def := types.DefaultServerConfig()
	v.SetDefault("addr", def.Addr)
	v.SetDefault("path", def.Path)
	v.SetDefault("broadcast.period", def.Broadcast.Period)
	v.SetDefault("broadcast.send_timeout", def.Broadcast.SendTimeout)
	v.SetDefault("broadcast.max_concurrent", def.Broadcast.MaxConcurrent)
	v.SetDefault("broadcast.names", def.Broadcast.Names)
	v.SetDefault("presence.enabled", def.Presence.Enabled)
	v.SetDefault("presence.interval", def.Presence.Interval)
	v.SetDefault("presence.expiry", def.Presence.Expiry)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.path", def.Metrics.Path)

	var cfg types.ServerConfig
	if err := load(v, path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadClient 加载客户端配置
func LoadClient(path string) (types.ClientConfig, error) {
	v := newViper()
	setConnDefaults(v, "conn", types.DefaultConnConfig())
	setLogDefaults(v, types.DefaultLogConfig())

	def := types.DefaultClientConfig()
	v.SetDefault("url", def.URL)
	v.SetDefault("protocol", def.Protocol)
	v.SetDefault("compression", def.Compression)
	v.SetDefault("reconnect.base_time", def.Reconnect.BaseTime)
	v.SetDefault("reconnect.max_delay", def.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_times", def.Reconnect.MaxTimes)
	v.SetDefault("session.enabled", def.Session.Enabled)
	v.SetDefault("session.duration", def.Session.Duration)
	v.SetDefault("keepalive.threshold", def.KeepAlive.Threshold)
	v.SetDefault("keepalive.poll", def.KeepAlive.Poll)
	v.SetDefault("outbound_interval", def.OutboundInterval)
	v.SetDefault("inbound_buffer", def.InboundBuffer)
	v.SetDefault("page.enable_realtime", def.Page.EnableRealtime)
	v.SetDefault("page.initial_seconds", def.Page.InitialSeconds)

	var cfg types.ClientConfig
	if err := load(v, path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, path string, out any) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func setConnDefaults(v *viper.Viper, prefix string, c types.ConnConfig) {
	v.SetDefault(prefix+".heartbeat_interval", c.HeartbeatInterval)
	v.SetDefault(prefix+".read_timeout", c.ReadTimeout)
	v.SetDefault(prefix+".write_timeout", c.WriteTimeout)
	v.SetDefault(prefix+".buffer_size", c.BufferSize)
	v.SetDefault(prefix+".max_message_size", c.MaxMessageSize)
}

func setLogDefaults(v *viper.Viper, c types.LogConfig) {
	v.SetDefault("log.level", c.Level)
	v.SetDefault("log.format", c.Format)
	v.SetDefault("log.console", c.Console)
	v.SetDefault("log.file", c.File)
	v.SetDefault("log.max_size_mb", c.MaxSizeMB)
	v.SetDefault("log.max_age_days", c.MaxAgeDays)
	v.SetDefault("log.max_backups", c.MaxBackups)
	v.SetDefault("log.compress", c.Compress)
}
