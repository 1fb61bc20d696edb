package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sandbox-admin/internal/agentclient"
	"sandbox-admin/internal/shared/model"
	"sandbox-admin/internal/storage/history"
	"sandbox-admin/internal/vm"
	"sandbox-admin/pkg/logging"
)

// HistoryLister 历史查询
type HistoryLister interface {
	List(ctx context.Context, opts history.ListOptions) ([]*model.AnalysisResult, error)
	Count(ctx context.Context) (int, error)
}

// Server Orchestrator HTTP 服务（供 UI / CLI 使用）
type Server struct {
	orch    *Orchestrator
	hub     *Hub
	history HistoryLister
	metrics *Metrics
	log     *logging.Logger
}

// NewServer 创建 HTTP 服务；hub 与 hist 可为 nil
func NewServer(o *Orchestrator, hub *Hub, hist HistoryLister, metrics *Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{orch: o, hub: hub, history: hist, metrics: metrics, log: log}
}

// Router 返回路由
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// 分析
	mux.HandleFunc("POST /api/analysis/submit", s.Submit)
	mux.HandleFunc("GET /api/analysis/status", s.Status)
	mux.HandleFunc("POST /api/analysis/check-vm", s.CheckVM)
	mux.HandleFunc("POST /api/analysis/cleanup", s.Cleanup)
	mux.HandleFunc("GET /api/analysis/history", s.History)

	// 报告
	mux.HandleFunc("GET /api/analysis/reports", s.ListReports)
	mux.HandleFunc("DELETE /api/analysis/reports/clear", s.ClearReports)
	mux.HandleFunc("GET /api/analysis/reports/{id}", s.GetReport)
	mux.HandleFunc("GET /api/analysis/reports/{id}/files/{path...}", s.GetReportFile)

	// Agent 代理
	mux.HandleFunc("GET /api/agent/status", s.AgentStatus)
	mux.HandleFunc("GET /api/agent/collectors", s.AgentCollectors)
	mux.HandleFunc("GET /api/agent/artifacts", s.AgentArtifacts)

	// VM 直通
	mux.HandleFunc("GET /api/vm/info", s.VMInfo)
	mux.HandleFunc("GET /api/vm/ip", s.VMIP)
	mux.HandleFunc("GET /api/vm/running", s.VMRunning)
	mux.HandleFunc("GET /api/vm/screenshot", s.VMScreenshot)
	mux.HandleFunc("POST /api/vm/snapshot/{action}", s.VMSnapshot)
	mux.HandleFunc("POST /api/vm/{action}", s.VMAction)

	if s.hub != nil {
		mux.HandleFunc("GET /ws/analysis", s.hub.HandleWebSocket)
	}

	var h http.Handler = mux
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
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// 分析
// ============================================================================

// Submit 提交样本
//
// 路由: POST /api/analysis/submit
//
// multipart 字段: file, timeout（秒）, screenshot_interval（秒，0 关闭）
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.orch.cfg.MaxSampleSize+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	timeout, err := formInt(r, "timeout")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	interval, err := formInt(r, "screenshot_interval")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.orch.Submit(SubmitRequest{
		Filename:           header.Filename,
		Sample:             file,
		Timeout:            timeout,
		ScreenshotInterval: interval,
	})
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func formInt(r *http.Request, key string) (int, error) {
	v := r.FormValue(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// Status 当前分析状态；从未提交过时返回 {"analysis": null}
//
// 路由: GET /api/analysis/status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"analysis": s.orch.Current()})
}

// CheckVM 就绪探测
//
// 路由: POST /api/analysis/check-vm
func (s *Server) CheckVM(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.orch.CheckVM(ctx))
}

// Cleanup 手动清理
//
// 路由: POST /api/analysis/cleanup
func (s *Server) Cleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.orch.cfg.CleanupTimeout)
	defer cancel()
	res, err := s.orch.Cleanup(ctx)
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History 分析历史
//
// 路由: GET /api/analysis/history?status=&limit=&offset=
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history index disabled")
		return
	}
	q := r.URL.Query()
	opts := history.ListOptions{Status: model.AnalysisStatus(q.Get("status"))}
	opts.Limit, _ = strconv.Atoi(q.Get("limit"))
	opts.Offset, _ = strconv.Atoi(q.Get("offset"))
	if opts.Status != "" && !opts.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	items, err := s.history.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.history.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": items, "total": total})
}

// ============================================================================
// 报告
// ============================================================================

// ListReports 报告列表
//
// 路由: GET /api/analysis/reports
func (s *Server) ListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.orch.ListReports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// GetReport 报告详情
//
// 路由: GET /api/analysis/reports/{id}
func (s *Server) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.Report(r.PathValue("id"))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetReportFile 下载报告内文件
//
// 路由: GET /api/analysis/reports/{id}/files/{path...}
func (s *Server) GetReportFile(w http.ResponseWriter, r *http.Request) {
	path, err := s.orch.ReportFilePath(r.PathValue("id"), r.PathValue("path"))
	if err != nil {
		writeOrchError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

// ClearReports 清空报告（保留进行中的分析）
//
// 路由: DELETE /api/analysis/reports/clear
func (s *Server) ClearReports(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.ClearReports()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// ============================================================================
// Agent 代理
// ============================================================================

// AgentStatus 代理 GET /api/status
func (s *Server) AgentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.agent.Status(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// AgentCollectors 代理 GET /api/collectors
func (s *Server) AgentCollectors(w http.ResponseWriter, r *http.Request) {
	cols, err := s.orch.agent.Collectors(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collectors": cols})
}

// AgentArtifacts 代理 GET /api/artifacts
func (s *Server) AgentArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.orch.agent.Artifacts(r.Context())
	if err != nil {
		writeOrchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

// ============================================================================
// VM 直通
// ============================================================================

func (s *Server) vmName(r *http.Request) string {
	if name := r.URL.Query().Get("vm"); name != "" {
		return name
	}
	return s.orch.cfg.VMName
}

// VMInfo 路由: GET /api/vm/info
func (s *Server) VMInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.orch.vm.Info(r.Context(), s.vmName(r))
	if err != nil {
		writeVMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// VMIP 路由: GET /api/vm/ip
func (s *Server) VMIP(w http.ResponseWriter, r *http.Request) {
	ip, err := s.orch.vm.IPAddress(r.Context(), s.vmName(r))
	if err != nil {
		writeVMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vm": s.vmName(r), "ip": ip, "reported": ip != ""})
}

// VMRunning 路由: GET /api/vm/running
func (s *Server) VMRunning(w http.ResponseWriter, r *http.Request) {
	machines, err := s.orch.vm.ListRunning(r.Context())
	if err != nil {
		writeVMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

// VMScreenshot 当前显示帧（PNG）
//
// 路由: GET /api/vm/screenshot
func (s *Server) VMScreenshot(w http.ResponseWriter, r *http.Request) {
	f, err := os.CreateTemp("", "vm-screenshot-*.png")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := s.orch.vm.Screenshot(r.Context(), s.vmName(r), path); err != nil {
		writeVMError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

// VMAction 生命周期操作；分析进行中拒绝
//
// 路由: POST /api/vm/{action}
func (s *Server) VMAction(w http.ResponseWriter, r *http.Request) {
	actions := map[string]func(context.Context, string) (*vm.Result, error){
		"start":     s.orch.vm.Start,
		"poweroff":  s.orch.vm.PowerOff,
		"pause":     s.orch.vm.Pause,
		"resume":    s.orch.vm.Resume,
		"reset":     s.orch.vm.Reset,
		"savestate": s.orch.vm.SaveState,
		"shutdown":  s.orch.vm.Shutdown,
	}
	action := r.PathValue("action")
	fn, ok := actions[action]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown vm action: "+action)
		return
	}
	if s.orch.busy() {
		writeOrchError(w, ErrConflict)
		return
	}
	res, err := fn(r.Context(), s.vmName(r))
	if err != nil {
		writeVMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VMSnapshot 快照操作
//
// 路由: POST /api/vm/snapshot/{action}  (take | restore | restore-current)
//
// 请求体: {"name": "..."}，restore-current 不需要
func (s *Server) VMSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if s.orch.busy() {
		writeOrchError(w, ErrConflict)
		return
	}

	name := s.vmName(r)
	var (
		res *vm.Result
		err error
	)
	switch action := r.PathValue("action"); action {
	case "take", "restore":
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "snapshot name is required")
			return
		}
		if action == "take" {
			res, err = s.orch.vm.TakeSnapshot(r.Context(), name, req.Name)
		} else {
			res, err = s.orch.vm.RestoreSnapshot(r.Context(), name, req.Name)
		}
	case "restore-current":
		res, err = s.orch.vm.RestoreCurrentSnapshot(r.Context(), name)
	default:
		writeError(w, http.StatusNotFound, "unknown snapshot action: "+action)
		return
	}
	if err != nil {
		writeVMError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// 响应辅助
// ============================================================================

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

func writeOrchError(w http.ResponseWriter, err error) {
	var se *agentclient.StatusError
	switch {
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agentclient.ErrUnreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeVMError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch vm.Kind(err) {
	case "not_found":
		status = http.StatusNotFound
	case "unreachable":
		status = http.StatusBadGateway
	case "timeout":
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": vm.Kind(err)})
}
