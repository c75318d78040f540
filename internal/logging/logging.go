package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

// New 按配置创建 zap Logger，控制台与轮转文件可同时输出
func New(cfg types.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	writers, err := buildWriters(cfg)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(buildEncoder(cfg.Format), zapcore.NewMultiWriteSyncer(writers...), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// MustNew 创建失败时退回到开发环境 Logger
func MustNew(cfg types.LogConfig) *zap.Logger {
	l, err := New(cfg)
	if err != nil {
		l, _ = zap.NewDevelopment()
		l.Warn("invalid log config, using development logger", zap.Error(err))
	}
	return l
}

// OrNop nil 时返回空 Logger
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func buildEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func buildWriters(cfg types.LogConfig) ([]zapcore.WriteSyncer, error) {
	var writers []zapcore.WriteSyncer

	if cfg.Console || cfg.File == "" {
		writers = append(writers, zapcore.Lock(os.Stdout))
	}

	if cfg.File != "" {
		if cfg.MaxSizeMB < 0 || cfg.MaxAgeDays < 0 || cfg.MaxBackups < 0 {
			return nil, fmt.Errorf("log rotation limits must not be negative")
		}
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
			Compress:   cfg.Compress,
		}))
	}

	return writers, nil
}
