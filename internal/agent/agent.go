// Package agent Guest 内的控制服务
//
// Agent 是一个四态状态机：
//
//	idle --execute--> executing --timeout--> collecting --done--> idle
//	idle --collect--> collecting
//	任意状态 --故障--> error --cleanup--> idle
//
// 同一时刻最多一个工作协程；状态保存在单一的受锁保护的记录中，
// 状态查询得到完整拷贝，不会读到撕裂的中间状态。
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandbox-admin/internal/agent/collector"
	"sandbox-admin/internal/bundle"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/shared/model"
	"sandbox-admin/pkg/logging"
)

var (
	// ErrBusy Agent 正在执行或采集，请求被拒绝（不排队）
	ErrBusy = errors.New("agent busy")

	// ErrSampleNotFound 执行目录中不存在该样本
	ErrSampleNotFound = errors.New("sample not found")

	// ErrNotIdle 操作要求 Agent 处于空闲状态
	ErrNotIdle = errors.New("agent not idle")

	// ErrInvalidRequest 请求参数非法
	ErrInvalidRequest = errors.New("invalid request")

	// ErrShuttingDown Agent 正在关闭
	ErrShuttingDown = errors.New("agent shutting down")
)

// Config Agent 配置
type Config struct {
	AgentID        string        `yaml:"agent_id"`
	ChannelDir     string        `yaml:"channel_dir"` // 共享目录根（samples/ 为执行目录）
	WorkDir        string        `yaml:"work_dir"`    // 本地运行目录
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	Launcher       string        `yaml:"launcher"` // 启动命令模板，空表示平台默认
	BundlePassword string        `yaml:"-"`
}

// Version Agent 版本（构建时注入）
var Version = "dev"

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	Filename string `json:"filename"`
	Timeout  int    `json:"timeout"`               // 秒
	RunID    string `json:"analysis_id,omitempty"` // 由调用方指定时作为运行 ID 与结果包名
}

// CleanupResult 清理结果
type CleanupResult struct {
	RemovedRuns    int  `json:"removed_runs"`
	RemovedBundles int  `json:"removed_bundles"`
	WasError       bool `json:"was_error"`
}

// Artifact 本地产物
type Artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Agent Guest 控制服务
type Agent struct {
	cfg      Config
	channel  *channel.Channel
	registry *collector.Registry
	launcher Launcher
	log      *logging.Logger
	metrics  *Metrics
	onChange func(from, to model.AgentState)

	mu        sync.RWMutex
	status    model.AgentStatus
	published map[string]bool // 本 Agent 发布且可能尚未被取走的结果包
	lastDir   string          // 最近一次运行的产物目录
	cleaning  bool

	workerDone chan struct{}
	rootCtx    context.Context
	rootCancel context.CancelFunc
	shutdown   chan struct{}
	closeOnce  sync.Once
}

// Option 构造选项
type Option func(*Agent)

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option { return func(a *Agent) { a.log = l } }

// WithMetrics 设置指标
func WithMetrics(m *Metrics) Option { return func(a *Agent) { a.metrics = m } }

// WithLauncher 替换样本启动器
func WithLauncher(l Launcher) Option { return func(a *Agent) { a.launcher = l } }

// WithTransitionHook 状态变更回调（在锁内调用，不得阻塞）
func WithTransitionHook(fn func(from, to model.AgentState)) Option {
	return func(a *Agent) { a.onChange = fn }
}

// New 创建 Agent
func New(cfg Config, ch *channel.Channel, registry *collector.Registry, opts ...Option) (*Agent, error) {
	if ch == nil || registry == nil {
		return nil, errors.New("channel and collector registry are required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "sandbox-agent")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = time.Hour
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	hostname, _ := os.Hostname()
	if cfg.AgentID == "" {
		cfg.AgentID = hostname
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        cfg,
		channel:    ch,
		registry:   registry,
		log:        logging.Discard(),
		published:  make(map[string]bool),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		shutdown:   make(chan struct{}),
		status: model.AgentStatus{
			State:     model.AgentStateIdle,
			AgentID:   cfg.AgentID,
			Hostname:  hostname,
			Version:   Version,
			StartedAt: time.Now().UTC(),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.launcher == nil {
		l, err := NewLauncher(cfg.Launcher)
		if err != nil {
			return nil, err
		}
		a.launcher = l
	}
	a.metrics.SetState(model.AgentStateIdle)
	return a, nil
}

// ============================================================================
// 查询
// ============================================================================

// Status 状态快照（任意状态下可调用，不阻塞）
func (a *Agent) Status() model.AgentStatus {
	a.mu.RLock()
	s := a.status.Clone()
	a.mu.RUnlock()
	s.UptimeSeconds = int64(time.Since(s.StartedAt).Seconds())
	return s
}

// Collectors 探测所有采集器
func (a *Agent) Collectors(ctx context.Context) []model.CollectorDescriptor {
	return a.registry.Describe(ctx)
}

// Artifacts 列出最近一次运行的本地产物
func (a *Agent) Artifacts() ([]Artifact, error) {
	a.mu.RLock()
	dir := a.lastDir
	a.mu.RUnlock()
	out := []Artifact{}
	if dir == "" {
		return out, nil
	}
	files, err := bundle.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		out = append(out, Artifact{Path: rel, Size: fi.Size()})
	}
	return out, nil
}

// Done 收到 shutdown 请求后关闭
func (a *Agent) Done() <-chan struct{} { return a.shutdown }

// ============================================================================
// 命令
// ============================================================================

// Execute 校验样本并启动后台工作协程，立即返回
func (a *Agent) Execute(req ExecuteRequest) (*model.RunInfo, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	timeout := a.cfg.DefaultTimeout
	if req.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}
	if int64(req.Timeout) > int64(a.cfg.MaxTimeout/time.Second) {
		return nil, fmt.Errorf("%w: timeout exceeds %s", ErrInvalidRequest, a.cfg.MaxTimeout)
	}
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	if timeout > a.cfg.MaxTimeout {
		return nil, fmt.Errorf("%w: timeout exceeds %s", ErrInvalidRequest, a.cfg.MaxTimeout)
	}

	samplePath, err := a.channel.SamplePath(req.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fi, err := os.Stat(samplePath)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrSampleNotFound, req.Filename)
	}

	return a.begin(model.RunModeExecute, req.RunID, req.Filename, samplePath, timeout)
}

// Collect 仅运行采集器
func (a *Agent) Collect(runID string) (*model.RunInfo, error) {
	return a.begin(model.RunModeCollect, runID, "", "", 0)
}

func (a *Agent) begin(mode model.RunMode, runID, sample, samplePath string, timeout time.Duration) (*model.RunInfo, error) {
	if runID == "" {
		runID = uuid.NewString()
	} else if channel.Sanitize(runID) != runID {
		return nil, fmt.Errorf("%w: invalid run id %q", ErrInvalidRequest, runID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.shutdown:
		return nil, ErrShuttingDown
	default:
	}
	if a.status.State != model.AgentStateIdle || a.cleaning {
		return nil, fmt.Errorf("%w: state is %s", ErrBusy, a.status.State)
	}

	next := model.AgentStateExecuting
	if mode == model.RunModeCollect {
		next = model.AgentStateCollecting
	}
	run := &model.RunInfo{
		RunID:     runID,
		Mode:      mode,
		Sample:    sample,
		Timeout:   int(timeout / time.Second),
		StartedAt: time.Now().UTC(),
	}
	if err := a.transitionLocked(next); err != nil {
		return nil, err
	}
	if sample != "" {
		s := sample
		a.status.CurrentSample = &s
	}
	a.status.CurrentRun = run
	a.status.LastError = ""

	done := make(chan struct{})
	a.workerDone = done
	w := &worker{agent: a, run: *run, samplePath: samplePath, timeout: timeout}
	go w.start(a.rootCtx, done)

	a.log.WithRunID(runID).Info("run accepted", "mode", mode, "sample", sample, "timeout", timeout.String())
	c := *run
	return &c, nil
}

// Cleanup 删除本地运行目录与未被取走的结果包
//
// 只能在 idle 或 error 状态调用；从 error 调用时回到 idle。重复调用无副作用。
func (a *Agent) Cleanup() (*CleanupResult, error) {
	a.mu.Lock()
	if a.status.State.IsBusy() || a.cleaning {
		state := a.status.State
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: state is %s", ErrNotIdle, state)
	}
	a.cleaning = true
	res := &CleanupResult{WasError: a.status.State == model.AgentStateError}
	bundles := make([]string, 0, len(a.published))
	for name := range a.published {
		bundles = append(bundles, name)
	}
	a.mu.Unlock()

	// 文件删除在锁外进行，cleaning 标记阻止期间启动新运行
	removeErr := a.removeLocalState(res, bundles)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleaning = false
	if removeErr != nil {
		return nil, removeErr
	}
	for _, name := range bundles {
		delete(a.published, name)
	}
	a.lastDir = ""
	if res.WasError {
		if err := a.transitionLocked(model.AgentStateIdle); err != nil {
			return nil, err
		}
		a.status.LastError = ""
	}
	a.log.Info("cleanup done", "removed_runs", res.RemovedRuns, "removed_bundles", res.RemovedBundles, "was_error", res.WasError)
	return res, nil
}

func (a *Agent) removeLocalState(res *CleanupResult, bundles []string) error {
	entries, err := os.ReadDir(a.cfg.WorkDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(a.cfg.WorkDir, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		res.RemovedRuns++
	}
	for _, name := range bundles {
		if _, err := a.channel.FindBundle(name); err == nil {
			res.RemovedBundles++
		}
		if err := a.channel.RemoveBundle(name); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown 停止接收新请求，中断当前观察窗口并等待工作协程结束
//
// 被中断的运行仍会执行采集与发布。ctx 到期时不再等待。
func (a *Agent) Shutdown(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.shutdown) })
	a.rootCancel()

	a.mu.RLock()
	done := a.workerDone
	a.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for worker: %w", ctx.Err())
	}
}

// ============================================================================
// 状态变更（仅工作协程与命令在锁内调用）
// ============================================================================

func (a *Agent) transitionLocked(next model.AgentState) error {
	prev := a.status.State
	if err := model.ValidateTransition(prev, next); err != nil {
		return err
	}
	a.status.State = next
	a.metrics.SetState(next)
	if a.onChange != nil {
		a.onChange(prev, next)
	}
	return nil
}

func (a *Agent) transition(next model.AgentState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transitionLocked(next)
}

// finish 运行结束：回到 idle 并记录 last_run
func (a *Agent) finish(run model.RunInfo, dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transitionLocked(model.AgentStateIdle); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	a.status.LastRun = &run
	a.status.CurrentRun = nil
	a.status.CurrentSample = nil
	a.lastDir = dir
	if run.Bundle != "" {
		a.published[run.Bundle] = true
	}
	return nil
}

// fail 工作协程遇到不可恢复的故障
func (a *Agent) fail(run model.RunInfo, dir string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.State != model.AgentStateError {
		if terr := a.transitionLocked(model.AgentStateError); terr != nil {
			a.status.State = model.AgentStateError
			a.metrics.SetState(model.AgentStateError)
		}
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Outcome = "error"
	run.Error = err.Error()
	a.status.LastRun = &run
	a.status.LastError = err.Error()
	a.status.CurrentRun = nil
	a.status.CurrentSample = nil
	if dir != "" {
		a.lastDir = dir
	}
	if run.Bundle != "" {
		a.published[run.Bundle] = true
	}
}
