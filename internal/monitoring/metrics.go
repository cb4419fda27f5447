package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标，注册在独立的 Registry 上
//
// 所有 Record 方法对 nil 接收者安全，业务代码无需判断是否启用监控。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 胶囊指标
	CapsuleOperations *prometheus.CounterVec
	CapsulesUnlocked  prometheus.Counter
	SweepDuration     prometheus.Histogram

	// 用户指标
	UsersRegistered prometheus.Counter
	LoginFailures   *prometheus.CounterVec

	// 错误指标
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec

	SystemUptime prometheus.Gauge
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timecapsule_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		CapsuleOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_capsule_operations_total",
				Help: "Capsule operations by kind and result",
			},
			[]string{"operation", "result"},
		),

		CapsulesUnlocked: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_capsules_unlocked_total",
				Help: "Total number of capsules moved to unlocked by the status sweep",
			},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "timecapsule_sweep_duration_seconds",
				Help:    "Duration of status sweeps in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		UsersRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_users_registered_total",
				Help: "Total number of users registered",
			},
		),

		LoginFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_login_failures_total",
				Help: "Failed login attempts by reason",
			},
			[]string{"reason"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "timecapsule_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timecapsule_rate_limit_blocks_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "timecapsule_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCapsuleOperation 记录胶囊操作结果
func (m *Metrics) RecordCapsuleOperation(operation, result string) {
	if m == nil {
		return
	}
	m.CapsuleOperations.WithLabelValues(operation, result).Inc()
}

// RecordSweep 记录一次状态扫描
func (m *Metrics) RecordSweep(unlocked int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.CapsulesUnlocked.Add(float64(unlocked))
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordUserRegistered 记录用户注册
func (m *Metrics) RecordUserRegistered() {
	if m == nil {
		return
	}
	m.UsersRegistered.Inc()
}

// RecordLoginFailure 记录登录失败
func (m *Metrics) RecordLoginFailure(reason string) {
	if m == nil {
		return
	}
	m.LoginFailures.WithLabelValues(reason).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	if m == nil {
		return
	}
	m.SystemUptime.Set(uptime.Seconds())
}

// Registry 返回指标注册表（测试中用于读取指标）
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
