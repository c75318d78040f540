package conn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/utils"
	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

const handshakeTimeout = 10 * time.Second

type dialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// ReconnectManager 拨号并在失败时按指数退避重试
type ReconnectManager struct {
	config      types.ReconnectConfig
	clock       clockwork.Clock
	logger      *zap.Logger
	errorCenter *errors.ErrorCenter
	dial        dialFunc
}

// NewReconnectManager 创建重连管理器
func NewReconnectManager(config types.ReconnectConfig, clock clockwork.Clock, logger *zap.Logger, errorCenter *errors.ErrorCenter) *ReconnectManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if errorCenter == nil {
		errorCenter = errors.NewErrorCenter()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	return &ReconnectManager{
		config:      config,
		clock:       clock,
		logger:      logger,
		errorCenter: errorCenter,
		dial: func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			c, _, err := dialer.DialContext(ctx, url, header)
			return c, err
		},
	}
}

// Dial 拨号一次
func (rm *ReconnectManager) Dial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	c, err := rm.dial(ctx, url, header)
	if err != nil {
		return nil, errors.New(errors.KindConnect, "", err)
	}
	return c, nil
}

// DialWithBackoff 立即拨号，失败后按退避等待再试，直到成功、ctx 取消或达到最大次数。
// MaxTimes 为 0 时无限重试。
func (rm *ReconnectManager) DialWithBackoff(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	maxAttempts := rm.config.MaxTimes

	for attempt := 0; maxAttempts == 0 || attempt < maxAttempts; attempt++ {
		c, err := rm.Dial(ctx, url, header)
		if err == nil {
			if attempt > 0 {
				rm.logger.Info("reconnect successful", zap.Int("attempts", attempt+1))
			}
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rm.errorCenter.ReportError(err)

		if maxAttempts > 0 && attempt+1 >= maxAttempts {
			break
		}

		wait := utils.CalculateBackoff(attempt, rm.config.BaseTime, rm.config.MaxDelay)
		rm.logger.Debug("reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-rm.clock.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", errors.ErrMaxReconnect, maxAttempts)
}
