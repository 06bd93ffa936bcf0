package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 记录运行期的关键指标：原子计数器供 /admin/stats，Prometheus 指标供 /metrics
type Metrics struct {
	Connections       int64 // 接入的连接数
	Negotiated        int64 // 完成协商并进入游戏的连接数
	NegotiationFailed int64 // 协商失败（对端拒绝或超时）
	Refused           int64 // 因满员被拒绝
	Evictions         int64 // 超时被调度器移除
	Faults            int64 // 单个玩家或连接内的 panic
	FramesSent        int64 // 发出的帧数
	TickCount         int64 // Tick 次数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）

	registry     *prometheus.Registry
	connections  prometheus.Counter
	refused      prometheus.Counter
	evictions    *prometheus.CounterVec
	playersLive  prometheus.Gauge
	spectators   prometheus.Gauge
	tickDuration prometheus.Histogram
	framesSent   prometheus.Counter
}

// NewMetrics 创建指标；使用独立的 Registry，便于多个实例并存（测试）
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilearena_connections_total",
			Help: "Total telnet connections accepted.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilearena_refused_total",
			Help: "Connections refused because every player slot was taken.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilearena_evictions_total",
			Help: "Players removed by the tick scheduler, by reason.",
		}, []string{"reason"}),
		playersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tilearena_players",
			Help: "Players currently in the world.",
		}),
		spectators: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tilearena_spectators",
			Help: "WebSocket spectators currently attached.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tilearena_tick_seconds",
			Help:    "Time spent advancing the world by one tick.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tilearena_frames_sent_total",
			Help: "Frames written to telnet clients.",
		}),
	}
	m.registry.MustRegister(m.connections, m.refused, m.evictions, m.playersLive,
		m.spectators, m.tickDuration, m.framesSent)
	return m
}

func (m *Metrics) IncConnections() {
	atomic.AddInt64(&m.Connections, 1)
	m.connections.Inc()
}
func (m *Metrics) IncNegotiated()        { atomic.AddInt64(&m.Negotiated, 1) }
func (m *Metrics) IncNegotiationFailed() { atomic.AddInt64(&m.NegotiationFailed, 1) }
func (m *Metrics) IncRefused() {
	atomic.AddInt64(&m.Refused, 1)
	m.refused.Inc()
}
func (m *Metrics) IncEviction(reason string) {
	atomic.AddInt64(&m.Evictions, 1)
	m.evictions.WithLabelValues(reason).Inc()
}
func (m *Metrics) IncFault() { atomic.AddInt64(&m.Faults, 1) }
func (m *Metrics) IncFrames() {
	atomic.AddInt64(&m.FramesSent, 1)
	m.framesSent.Inc()
}
func (m *Metrics) SetPlayers(n int)    { m.playersLive.Set(float64(n)) }
func (m *Metrics) AddSpectators(d int) { m.spectators.Add(float64(d)) }
func (m *Metrics) AddTick(d time.Duration) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, d.Nanoseconds())
	m.tickDuration.Observe(d.Seconds())
}

// Handler Prometheus 抓取接口
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"connections":        atomic.LoadInt64(&m.Connections),
		"negotiated":         atomic.LoadInt64(&m.Negotiated),
		"negotiation_failed": atomic.LoadInt64(&m.NegotiationFailed),
		"refused":            atomic.LoadInt64(&m.Refused),
		"evictions":          atomic.LoadInt64(&m.Evictions),
		"faults":             atomic.LoadInt64(&m.Faults),
		"frames_sent":        atomic.LoadInt64(&m.FramesSent),
		"tick_count":         tick,
		"avg_tick_ms":        avgMs,
	}
}
