package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wsbeacon"

// 投递结果标签
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// 广播周期结果标签
const (
	TickDelivered = "delivered"
	TickBuffered  = "buffered"
	TickEmpty     = "empty"
)

// Metrics 服务端指标集合。nil 接收者上的方法都是空操作
type Metrics struct {
	RegistrySize     prometheus.Gauge
	Deliveries       *prometheus.CounterVec
	Ticks            *prometheus.CounterVec
	ReplayDepth      prometheus.Gauge
	ReplayEvictions  prometheus.Counter
	Flushes          *prometheus.CounterVec
	Removals         *prometheus.CounterVec
	ActiveTransports prometheus.Gauge
}

// NewRegistry 创建带运行时和进程采集器的注册表
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler 返回 /metrics 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Number of registered connections.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Per-recipient deliveries by result.",
		}, []string{"result"}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "ticks_total",
			Help:      "Broadcast ticks by outcome.",
		}, []string{"outcome"}),
		ReplayDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "depth",
			Help:      "Payloads waiting in the replay buffer.",
		}),
		ReplayEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "evictions_total",
			Help:      "Payloads dropped from the replay buffer at capacity.",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "flushes_total",
			Help:      "Replay buffer flushes by result.",
		}, []string{"result"}),
		Removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "removals_total",
			Help:      "Connections removed by the presence sweeper, by cause.",
		}, []string{"cause"}),
		ActiveTransports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of open websocket transports.",
		}),
	}

	reg.MustRegister(
		m.RegistrySize,
		m.Deliveries,
		m.Ticks,
		m.ReplayDepth,
		m.ReplayEvictions,
		m.Flushes,
		m.Removals,
		m.ActiveTransports,
	)
	return m
}

// ObserveDelivery 记录单次投递
func (m *Metrics) ObserveDelivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Deliveries.WithLabelValues(ResultSuccess).Inc()
		return
	}
	m.Deliveries.WithLabelValues(ResultFailure).Inc()
}

// ObserveTick 记录一次广播周期
func (m *Metrics) ObserveTick(outcome string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(outcome).Inc()
}

// ObserveFlush 记录一次缓冲区冲刷
func (m *Metrics) ObserveFlush(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Flushes.WithLabelValues(ResultSuccess).Inc()
		return
	}
	m.Flushes.WithLabelValues(ResultFailure).Inc()
}

// SetReplayDepth 更新缓冲区深度
func (m *Metrics) SetReplayDepth(n int) {
	if m == nil {
		return
	}
	m.ReplayDepth.Set(float64(n))
}

// AddEvictions 累加淘汰数量
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReplayEvictions.Add(float64(n))
}

// SetRegistrySize 更新注册表大小
func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.RegistrySize.Set(float64(n))
}

// ObserveRemoval 记录清理原因
func (m *Metrics) ObserveRemoval(cause string) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(cause).Inc()
}

// TransportOpened 传输建立
func (m *Metrics) TransportOpened() {
	if m == nil {
		return
	}
	m.ActiveTransports.Inc()
}

// TransportClosed 传输关闭
func (m *Metrics) TransportClosed() {
	if m == nil {
		return
	}
	m.ActiveTransports.Dec()
}
