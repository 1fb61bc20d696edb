// Package orchestrator Prometheus 指标导出
package orchestrator

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 包含所有 Orchestrator 指标
//
// 方法对 nil 接收者安全。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 分析指标
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec
	PollFailures     prometheus.Counter
	HostFrames       prometheus.Counter

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
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
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		AnalysesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Finished analyses by terminal status",
			},
			[]string{"status"},
		),
		AnalysisDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Analysis wall-clock duration in seconds",
				Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		PollFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_poll_failures_total",
				Help:      "Failed agent status polls",
			},
		),
		HostFrames: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_frames_total",
				Help:      "Host-side VM display frames captured",
			},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
	}
}

// RecordAnalysis 记录一次结束的分析
func (m *Metrics) RecordAnalysis(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(status).Inc()
	m.AnalysisDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPollFailure 记录一次轮询失败
func (m *Metrics) RecordPollFailure() {
	if m == nil {
		return
	}
	m.PollFailures.Inc()
}

// RecordHostFrame 记录一帧 Host 截图
func (m *Metrics) RecordHostFrame() {
	if m == nil {
		return
	}
	m.HostFrames.Inc()
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Dec()
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath 避免报告 id 与文件路径带来高基数
func normalizePath(path string) string {
	const reports = "/api/analysis/reports/"
	switch {
	case path == reports+"clear":
		return path
	case strings.HasPrefix(path, reports):
		rest := strings.TrimPrefix(path, reports)
		if strings.Contains(rest, "/files/") {
			return reports + "{id}/files/{path}"
		}
		return reports + "{id}"
	case strings.HasPrefix(path, "/api/vm/snapshot/"):
		return "/api/vm/snapshot/{action}"
	default:
		return path
	}
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

// Hijack websocket 升级需要底层连接
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
