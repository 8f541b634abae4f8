package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。所有方法对 nil 接收者安全，未启用监控时可直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 会话指标
	MessagesReceived    prometheus.Counter
	RepliesScheduled    prometheus.Counter
	RepliesSent         *prometheus.CounterVec // kind: plain / attachment / first
	SendFailures        *prometheus.CounterVec // stage: fetch / generate / render / send / record
	Escalations         prometheus.Counter
	TokensIssued        *prometheus.CounterVec // kind
	Interactions        *prometheus.CounterVec // matched: true / false
	QueueDepth          prometheus.Gauge
	ConversationsActive prometheus.Gauge

	// 循环指标
	LoopRuns     *prometheus.CounterVec   // loop
	LoopDuration *prometheus.HistogramVec // loop

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，使用独立注册表，可在同一进程中多次创建
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scambait_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		MessagesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scambait_messages_received_total",
				Help: "Total number of inbound messages recorded",
			},
		),
		RepliesScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scambait_replies_scheduled_total",
				Help: "Total number of replies scheduled",
			},
		),
		RepliesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_replies_sent_total",
				Help: "Total number of replies confirmed sent",
			},
			[]string{"kind"},
		),
		SendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_dispatch_failures_total",
				Help: "Total number of dropped dispatches by stage",
			},
			[]string{"stage"},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scambait_escalations_total",
				Help: "Total number of replies escalated to a tracked document",
			},
		),
		TokensIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_tokens_issued_total",
				Help: "Total number of tracking tokens issued",
			},
			[]string{"kind"},
		),
		Interactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_tracking_hits_total",
				Help: "Total number of tracking endpoint hits",
			},
			[]string{"matched"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scambait_queue_depth",
				Help: "Number of replies waiting in the queue",
			},
		),
		ConversationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scambait_conversations",
				Help: "Number of known conversations",
			},
		),
		LoopRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_loop_runs_total",
				Help: "Total number of background loop ticks",
			},
			[]string{"loop"},
		),
		LoopDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scambait_loop_duration_seconds",
				Help:    "Background loop tick duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"loop"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scambait_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scambait_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMessageReceived 记录入站邮件
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RecordReplyScheduled 记录回复入队
func (m *Metrics) RecordReplyScheduled() {
	if m == nil {
		return
	}
	m.RepliesScheduled.Inc()
}

// RecordReplySent 记录回复发送成功
func (m *Metrics) RecordReplySent(kind string) {
	if m == nil {
		return
	}
	m.RepliesSent.WithLabelValues(kind).Inc()
}

// RecordDispatchFailure 记录派发失败阶段
func (m *Metrics) RecordDispatchFailure(stage string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(stage).Inc()
}

// RecordEscalation 记录附件升级
func (m *Metrics) RecordEscalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// RecordTokenIssued 记录令牌签发
func (m *Metrics) RecordTokenIssued(kind string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(kind).Inc()
}

// RecordTrackingHit 记录追踪端点命中
func (m *Metrics) RecordTrackingHit(matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.Interactions.WithLabelValues(label).Inc()
}

// UpdateQueueDepth 更新队列深度
func (m *Metrics) UpdateQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// UpdateConversations 更新会话总数
func (m *Metrics) UpdateConversations(count int) {
	if m == nil {
		return
	}
	m.ConversationsActive.Set(float64(count))
}

// RecordLoopRun 记录后台循环执行
func (m *Metrics) RecordLoopRun(loop string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LoopRuns.WithLabelValues(loop).Inc()
	m.LoopDuration.WithLabelValues(loop).Observe(duration.Seconds())
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录恐慌
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
