// Package agent Prometheus 指标导出
package agent

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sandbox-admin/internal/shared/model"
)

// Metrics 包含所有 Guest Agent 指标
//
// 方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 运行指标
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	State       *prometheus.GaugeVec

	// 采集器指标
	CollectorOutcomes *prometheus.CounterVec
}

// NewMetrics 创建指标实例；reg 为 nil 时不注册（测试用）
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "path"},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds including collection",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"mode"},
		),
		State: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current agent state (1 for the active state)",
			},
			[]string{"state"},
		),
		CollectorOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_outcomes_total",
				Help:      "Collector outcomes by collector and status",
			},
			[]string{"collector", "status"},
		),
	}
}

// SetState 设置当前状态
func (m *Metrics) SetState(state model.AgentState) {
	if m == nil {
		return
	}
	for _, s := range []model.AgentState{model.AgentStateIdle, model.AgentStateExecuting, model.AgentStateCollecting, model.AgentStateError} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(string(s)).Set(v)
	}
}

// RecordRun 记录一次运行
func (m *Metrics) RecordRun(mode model.RunMode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(mode), outcome).Inc()
	m.RunDuration.WithLabelValues(string(mode)).Observe(duration.Seconds())
}

// RecordCollector 记录采集器结果
func (m *Metrics) RecordCollector(name, status string) {
	if m == nil {
		return
	}
	m.CollectorOutcomes.WithLabelValues(name, status).Inc()
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
