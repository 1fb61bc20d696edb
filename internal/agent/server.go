package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandbox-admin/internal/auth"
	"sandbox-admin/pkg/logging"
)

// Server Guest Agent HTTP 服务
//
// 所有接口都是快速探测或立即返回的命令，长时间工作只能通过轮询 /api/status 观察。
type Server struct {
	agent   *Agent
	log     *logging.Logger
	metrics *Metrics
	auth    auth.Config
}

// NewServer 创建 HTTP 服务
func NewServer(a *Agent, authCfg auth.Config, metrics *Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{agent: a, log: log, metrics: metrics, auth: authCfg}
}

// Router 返回路由（含认证、日志与指标中间件）
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", s.GetStatus)
	mux.HandleFunc("GET /api/collectors", s.ListCollectors)
	mux.HandleFunc("GET /api/artifacts", s.ListArtifacts)
	mux.HandleFunc("POST /api/execute", s.Execute)
	mux.HandleFunc("POST /api/collect", s.Collect)
	mux.HandleFunc("POST /api/cleanup", s.Cleanup)
	mux.HandleFunc("POST /api/shutdown", s.Shutdown)

	var h http.Handler = mux
	h = auth.Middleware(s.auth)(h)
	h = s.metrics.MetricsMiddleware(h)
	return s.logMiddleware(h)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// Health 健康检查
//
// 路由: GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStatus 状态快照
//
// 路由: GET /api/status
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status())
}

// ListCollectors 采集器可用性
//
// 路由: GET /api/collectors
func (s *Server) ListCollectors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]any{"collectors": s.agent.Collectors(ctx)})
}

// ListArtifacts 最近一次运行的本地产物
//
// 路由: GET /api/artifacts
func (s *Server) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.agent.Artifacts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

// Execute 执行样本
//
// 路由: POST /api/execute
//
// 请求体: {"filename": "...", "timeout": 60, "analysis_id": "..."}
// 接受后返回 202，运行在后台进行。
func (s *Server) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := s.agent.Execute(req)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "run": run})
}

// Collect 仅采集
//
// 路由: POST /api/collect
func (s *Server) Collect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"analysis_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := s.agent.Collect(req.RunID)
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "run": run})
}

// Cleanup 清理本地产物
//
// 路由: POST /api/cleanup
func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.agent.Cleanup()
	if err != nil {
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Shutdown 优雅关闭
//
// 路由: POST /api/shutdown
func (s *Server) Shutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting_down"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.agent.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("shutdown wait aborted")
		}
	}()
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAgentError 将 Agent 错误映射为状态码
func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotIdle):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrSampleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
