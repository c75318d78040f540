package broadcast

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BetaCatPro/ws-beacon/internal/errors"
	"github.com/BetaCatPro/ws-beacon/internal/metrics"
	"github.com/BetaCatPro/ws-beacon/internal/registry"
	"github.com/BetaCatPro/ws-beacon/internal/replay"
)

const (
	DefaultPeriod        = 10 * time.Second
	DefaultSendTimeout   = 5 * time.Second
	DefaultMaxConcurrent = 64
)

// DefaultNames 默认候选集合
var DefaultNames = []string{"Alice", "Bob", "Charlie", "Diana"}

// Deliverer 把载荷发送给单个连接
type Deliverer interface {
	Deliver(ctx context.Context, id string, payload string) error
}

// DelivererFunc 函数适配器
type DelivererFunc func(ctx context.Context, id string, payload string) error

func (f DelivererFunc) Deliver(ctx context.Context, id string, payload string) error {
	return f(ctx, id, payload)
}

// Config 调度器配置
type Config struct {
	Period        time.Duration
	SendTimeout   time.Duration
	MaxConcurrent int
	Names         []string

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Pick 从候选集合中选出载荷，为空时均匀随机
	Pick func(names []string) string
}

// Result 一次广播的结果
type Result struct {
	Payload   string
	Delivered []string
	Failed    []string
	Buffered  bool
}

// Scheduler 周期广播调度器
type Scheduler struct {
	cfg       Config
	registry  *registry.Registry
	buffer    *replay.Buffer[string]
	deliverer Deliverer
	logger    *zap.Logger

	mu      sync.Mutex
	running *run

	ticks atomic.Int64
}

type run struct {
	stop chan struct{}
	done chan struct{}
}

// New 创建调度器
func New(cfg Config, reg *registry.Registry, buf *replay.Buffer[string], d Deliverer) (*Scheduler, error) {
	if reg == nil || buf == nil || d == nil {
		return nil, fmt.Errorf("%w: scheduler needs registry, buffer and deliverer", errors.ErrInvalidConfig)
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Names == nil {
		cfg.Names = DefaultNames
	}
	if len(cfg.Names) == 0 {
		return nil, fmt.Errorf("%w: empty candidate set", errors.ErrInvalidConfig)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Pick == nil {
		cfg.Pick = pickUniform
	}

	return &Scheduler{
		cfg:       cfg,
		registry:  reg,
		buffer:    buf,
		deliverer: d,
		logger:    cfg.Logger.With(zap.String("component", "broadcast")),
	}, nil
}

func pickUniform(names []string) string {
	return names[rand.IntN(len(names))]
}

// Start 启动周期广播，已运行时为空操作
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		return
	}

	r := &run{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.running = r
	ticker := s.cfg.Clock.NewTicker(s.cfg.Period)

	go s.loop(ctx, r, ticker)
	s.logger.Info("broadcast scheduler started", zap.Duration("period", s.cfg.Period))
}

// Stop 停止周期广播并释放定时器，可重复调用
func (s *Scheduler) Stop() {
	s.mu.Lock()
	r := s.running
	s.running = nil
	s.mu.Unlock()

	if r == nil {
		return
	}
	close(r.stop)
	<-r.done
	s.logger.Info("broadcast scheduler stopped")
}

// Running 是否在运行
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running != nil
}

// Ticks 已执行的广播次数，包括按需广播
func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}

func (s *Scheduler) loop(ctx context.Context, r *run, ticker clockwork.Ticker) {
	defer close(r.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.BroadcastOnce(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.running == r {
				s.running = nil
			}
			s.mu.Unlock()
			return
		}
	}
}

// BroadcastOnce 生成载荷并投递给快照中的每个连接。
// 投递失败的连接被移出注册表；没有任何成功投递时载荷进入重放缓冲区。
func (s *Scheduler) BroadcastOnce(ctx context.Context) Result {
	s.ticks.Inc()

	payload := s.cfg.Pick(s.cfg.Names)
	ids := s.registry.Snapshot()
	res := Result{Payload: payload}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.MaxConcurrent)

	for _, id := range ids {
		g.Go(func() error {
			err := s.send(ctx, id, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, id)
				return nil
			}
			res.Delivered = append(res.Delivered, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range res.Failed {
		s.registry.Unregister(id)
	}
	s.cfg.Metrics.SetRegistrySize(s.registry.Len())

	switch {
	case len(res.Delivered) > 0:
		s.cfg.Metrics.ObserveTick(metrics.TickDelivered)
	default:
		evicted := s.buffer.Push(payload)
		res.Buffered = true
		s.cfg.Metrics.AddEvictions(evicted)
		s.cfg.Metrics.SetReplayDepth(s.buffer.Len())
		if len(ids) == 0 {
			s.cfg.Metrics.ObserveTick(metrics.TickEmpty)
		} else {
			s.cfg.Metrics.ObserveTick(metrics.TickBuffered)
			s.logger.Warn("broadcast reached no recipient",
				zap.String("payload", payload),
				zap.Error(errors.New(errors.KindTotalDelivery, "", errors.ErrConnectionClosed)),
				zap.Int("failed", len(res.Failed)))
		}
	}

	s.logger.Debug("broadcast tick",
		zap.String("payload", payload),
		zap.Int("recipients", len(ids)),
		zap.Int("delivered", len(res.Delivered)),
		zap.Int("failed", len(res.Failed)),
		zap.Bool("buffered", res.Buffered))
	return res
}

func (s *Scheduler) send(ctx context.Context, id, payload string) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	err := s.deliverer.Deliver(sendCtx, id, payload)
	s.cfg.Metrics.ObserveDelivery(err == nil)
	if err != nil {
		s.logger.Warn("delivery failed",
			zap.Error(errors.New(errors.KindDelivery, id, err)))
		return err
	}
	s.logger.Debug("delivered", zap.String("id", id), zap.String("payload", payload))
	return nil
}

// FlushTo 按FIFO顺序把重放缓冲区发送给一个连接。
// 发送失败时未送达的剩余部分放回队首，停止本次冲刷。
func (s *Scheduler) FlushTo(ctx context.Context, id string) (int, error) {
	items := s.buffer.Drain()
	if len(items) == 0 {
		return 0, nil
	}

	for i, payload := range items {
		if err := s.send(ctx, id, payload); err != nil {
			evicted := s.buffer.Requeue(items[i:])
			s.cfg.Metrics.AddEvictions(evicted)
			s.cfg.Metrics.SetReplayDepth(s.buffer.Len())
			s.cfg.Metrics.ObserveFlush(false)
			return i, fmt.Errorf("flush interrupted after %d of %d: %w", i, len(items), err)
		}
	}

	s.cfg.Metrics.SetReplayDepth(s.buffer.Len())
	s.cfg.Metrics.ObserveFlush(true)
	s.logger.Debug("replay buffer flushed", zap.String("id", id), zap.Int("count", len(items)))
	return len(items), nil
}
