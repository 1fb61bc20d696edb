// Package orchestrator Host 侧分析编排
//
// 一次分析的流水线（每一步都可单独失败并终结分析）：
//
//	ensure_vm → stage → execute → observe(轮询 + Host 截屏) → retrieve → report
//
// Orchestrator 同一时刻最多持有一个非终态 AnalysisResult；记录保存在
// 单一的受锁保护的结构中，状态读取只做一次拷贝。
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandbox-admin/internal/agent"
	"sandbox-admin/internal/agentclient"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/shared/eventbus"
	"sandbox-admin/internal/shared/model"
	"sandbox-admin/internal/vm"
	"sandbox-admin/pkg/logging"
)

var (
	// ErrConflict 已有分析在进行中
	ErrConflict = errors.New("an analysis is already in progress")

	// ErrInvalidSubmission 提交参数非法
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrNotFound 分析或报告不存在
	ErrNotFound = errors.New("analysis not found")
)

// Config Orchestrator 配置
type Config struct {
	VMName             string        `yaml:"vm_name"`
	Snapshot           string        `yaml:"snapshot"` // 分析后回滚的快照，空表示当前快照
	RevertAfter        bool          `yaml:"revert_after_analysis"`
	ReportsDir         string        `yaml:"reports_dir"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollFailureBudget  int           `yaml:"poll_failure_budget"`
	CollectionOverhead time.Duration `yaml:"collection_overhead"`
	ReadinessTimeout   time.Duration `yaml:"readiness_timeout"`
	ReadinessInterval  time.Duration `yaml:"readiness_interval"`
	BundleWait         time.Duration `yaml:"bundle_wait"`
	CleanupTimeout     time.Duration `yaml:"cleanup_timeout"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MaxTimeout         time.Duration `yaml:"max_timeout"`
	MaxSampleSize      int64         `yaml:"max_sample_size"`
	BundlePassword     string        `yaml:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		VMName:             "sandbox",
		ReportsDir:         "reports",
		PollInterval:       time.Second,
		PollFailureBudget:  3,
		CollectionOverhead: 90 * time.Second,
		ReadinessTimeout:   180 * time.Second,
		ReadinessInterval:  2 * time.Second,
		BundleWait:         30 * time.Second,
		CleanupTimeout:     30 * time.Second,
		DefaultTimeout:     60 * time.Second,
		MaxTimeout:         time.Hour,
		MaxSampleSize:      256 << 20,
	}
}

// Validate 填充缺省值
func (c *Config) Validate() {
	d := DefaultConfig()
	if c.VMName == "" {
		c.VMName = d.VMName
	}
	if c.ReportsDir == "" {
		c.ReportsDir = d.ReportsDir
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollFailureBudget <= 0 {
		c.PollFailureBudget = d.PollFailureBudget
	}
	if c.CollectionOverhead <= 0 {
		c.CollectionOverhead = d.CollectionOverhead
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = d.ReadinessTimeout
	}
	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = d.ReadinessInterval
	}
	if c.BundleWait <= 0 {
		c.BundleWait = d.BundleWait
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxSampleSize <= 0 {
		c.MaxSampleSize = d.MaxSampleSize
	}
}

// AgentAPI Orchestrator 使用的 Guest Agent 操作
type AgentAPI interface {
	Health(ctx context.Context) error
	Status(ctx context.Context) (*model.AgentStatus, error)
	Collectors(ctx context.Context) ([]model.CollectorDescriptor, error)
	Artifacts(ctx context.Context) ([]agent.Artifact, error)
	Execute(ctx context.Context, req agent.ExecuteRequest) (*agentclient.Accepted, error)
	Cleanup(ctx context.Context) (*agent.CleanupResult, error)
}

// HistoryRecorder 分析历史索引
type HistoryRecorder interface {
	Record(ctx context.Context, r *model.AnalysisResult) error
}

// Archiver 报告归档
type Archiver interface {
	ArchiveReport(ctx context.Context, analysisID, bundlePath, reportPath string) ([]string, error)
}

// Listener 状态变更回调（在锁外调用）
type Listener func(r *model.AnalysisResult)

// Orchestrator 分析编排器
type Orchestrator struct {
	cfg      Config
	vm       vm.Controller
	agent    AgentAPI
	channel  *channel.Channel
	log      *logging.Logger
	metrics  *Metrics
	history  HistoryRecorder
	bus      eventbus.EventBus
	archiver Archiver

	listenersMu sync.RWMutex
	listeners   []Listener

	mu      sync.RWMutex
	current *model.AnalysisResult
	done    chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// Option 构造选项
type Option func(*Orchestrator)

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithMetrics 设置指标
func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithHistory 设置历史索引
func WithHistory(h HistoryRecorder) Option { return func(o *Orchestrator) { o.history = h } }

// WithEventBus 设置事件总线
func WithEventBus(b eventbus.EventBus) Option { return func(o *Orchestrator) { o.bus = b } }

// WithArchiver 设置报告归档
func WithArchiver(a Archiver) Option { return func(o *Orchestrator) { o.archiver = a } }

// New 创建 Orchestrator
func New(cfg Config, controller vm.Controller, agentAPI AgentAPI, ch *channel.Channel, opts ...Option) (*Orchestrator, error) {
	if controller == nil || agentAPI == nil || ch == nil {
		return nil, errors.New("vm controller, agent client and channel are required")
	}
	cfg.Validate()
	if err := os.MkdirAll(cfg.ReportsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		vm:         controller,
		agent:      agentAPI,
		channel:    ch,
		log:        logging.Discard(),
		bus:        eventbus.NewNoOpEventBus(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config 返回生效配置
func (o *Orchestrator) Config() Config { return o.cfg }

// AddListener 注册状态变更回调
func (o *Orchestrator) AddListener(l Listener) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, l)
}

// ============================================================================
// 提交
// ============================================================================

// SubmitRequest 提交参数
type SubmitRequest struct {
	Filename           string
	Sample             io.Reader
	Timeout            int // 秒，0 表示默认
	ScreenshotInterval int // 秒，0 表示不做 Host 截屏
}

// Submit 接收样本并在后台启动流水线，立即返回 pending 记录
func (o *Orchestrator) Submit(req SubmitRequest) (*model.AnalysisResult, error) {
	name := strings.TrimSpace(req.Filename)
	if name == "" || req.Sample == nil {
		return nil, fmt.Errorf("%w: sample file is required", ErrInvalidSubmission)
	}
	timeout := o.cfg.DefaultTimeout
	if req.Timeout < 0 || req.ScreenshotInterval < 0 {
		return nil, fmt.Errorf("%w: timeout and screenshot_interval must not be negative", ErrInvalidSubmission)
	}
	// 以整数秒比较，避免换算 Duration 时溢出
	maxSeconds := int64(o.cfg.MaxTimeout / time.Second)
	if int64(req.Timeout) > maxSeconds {
		return nil, fmt.Errorf("%w: timeout exceeds %s", ErrInvalidSubmission, o.cfg.MaxTimeout)
	}
	if int64(req.ScreenshotInterval) > maxSeconds {
		return nil, fmt.Errorf("%w: screenshot_interval exceeds %s", ErrInvalidSubmission, o.cfg.MaxTimeout)
	}
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	if timeout > o.cfg.MaxTimeout {
		return nil, fmt.Errorf("%w: timeout exceeds %s", ErrInvalidSubmission, o.cfg.MaxTimeout)
	}
	if o.busy() {
		return nil, ErrConflict
	}

	id := uuid.NewString()
	spool, sum, err := o.spool(id, req.Sample)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.current != nil && !o.current.Status.IsTerminal() {
		o.mu.Unlock()
		_ = os.Remove(spool)
		return nil, ErrConflict
	}
	a := &model.AnalysisResult{
		ID:                 id,
		SampleName:         filepath.Base(strings.ReplaceAll(name, `\`, "/")),
		SHA256:             sum,
		Status:             model.AnalysisStatusPending,
		StartedAt:          time.Now().UTC(),
		Timeout:            int(timeout / time.Second),
		ScreenshotInterval: req.ScreenshotInterval,
	}
	o.current = a
	done := make(chan struct{})
	o.done = done
	snapshot := a.Clone()
	o.mu.Unlock()

	o.log.WithAnalysisID(id).Info("analysis submitted", "sample", a.SampleName, "sha256", sum, "timeout", a.Timeout, "screenshot_interval", a.ScreenshotInterval)
	o.notify(snapshot, eventbus.EventStatus)

	p := &pipeline{o: o, id: id, spool: spool, log: o.log.WithAnalysisID(id)}
	go p.run(o.rootCtx, done)
	return snapshot, nil
}

// spool 将上传内容落盘并计算 sha256，超过大小上限时拒绝
func (o *Orchestrator) spool(id string, r io.Reader) (string, string, error) {
	dir := filepath.Join(o.cfg.ReportsDir, ".uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	path := filepath.Join(dir, id)
	f, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(r, o.cfg.MaxSampleSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > o.cfg.MaxSampleSize {
		err = fmt.Errorf("%w: sample exceeds %d bytes", ErrInvalidSubmission, o.cfg.MaxSampleSize)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", "", err
	}
	return path, hex.EncodeToString(h.Sum(nil)), nil
}

// ============================================================================
// 查询
// ============================================================================

// Current 当前（或最近一次）分析的拷贝，没有时返回 nil
func (o *Orchestrator) Current() *model.AnalysisResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current.Clone()
}

func (o *Orchestrator) busy() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current != nil && !o.current.Status.IsTerminal()
}

func (o *Orchestrator) inFlightID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil || o.current.Status.IsTerminal() {
		return ""
	}
	return o.current.ID
}

// Wait 等待当前分析结束
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.RLock()
	done := o.done
	o.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VMCheck 就绪探测结果
type VMCheck struct {
	Ready          bool                        `json:"ready"`
	VM             string                      `json:"vm"`
	VMState        vm.State                    `json:"vm_state,omitempty"`
	VMError        string                      `json:"vm_error,omitempty"`
	AgentReachable bool                        `json:"agent_reachable"`
	AgentState     model.AgentState            `json:"agent_state,omitempty"`
	AgentError     string                      `json:"agent_error,omitempty"`
	Collectors     []model.CollectorDescriptor `json:"collectors"`
	Busy           bool                        `json:"busy"`
}

// CheckVM 组合 VM 状态、Agent 可达性与采集器可用性
func (o *Orchestrator) CheckVM(ctx context.Context) *VMCheck {
	res := &VMCheck{VM: o.cfg.VMName, Collectors: []model.CollectorDescriptor{}, Busy: o.busy()}

	if info, err := o.vm.Info(ctx, o.cfg.VMName); err != nil {
		res.VMError = err.Error()
	} else {
		res.VMState = info.State
	}

	st, err := o.agent.Status(ctx)
	if err != nil {
		res.AgentError = err.Error()
		return res
	}
	res.AgentReachable = true
	res.AgentState = st.State
	if cols, err := o.agent.Collectors(ctx); err != nil {
		res.AgentError = err.Error()
	} else {
		res.Collectors = cols
	}
	res.Ready = res.VMState == vm.StateRunning && st.State == model.AgentStateIdle && !res.Busy
	return res
}

// CleanupResult 手动清理结果
type CleanupResult struct {
	Agent          *agent.CleanupResult `json:"agent,omitempty"`
	AgentError     string               `json:"agent_error,omitempty"`
	ChannelRemoved int                  `json:"channel_removed"`
}

// Cleanup 清理 Agent 本地产物与共享目录残留；分析进行中时拒绝
func (o *Orchestrator) Cleanup(ctx context.Context) (*CleanupResult, error) {
	if o.busy() {
		return nil, ErrConflict
	}
	res := &CleanupResult{}
	if r, err := o.agent.Cleanup(ctx); err != nil {
		res.AgentError = err.Error()
	} else {
		res.Agent = r
	}
	n, err := o.channel.Purge(0)
	res.ChannelRemoved = n
	if err != nil {
		return res, fmt.Errorf("purge shared channel: %w", err)
	}
	o.log.Info("manual cleanup done", "channel_removed", n, "agent_error", res.AgentError)
	return res, nil
}

// Close 中止进行中的分析并等待流水线退出
func (o *Orchestrator) Close(ctx context.Context) error {
	o.rootCancel()
	return o.Wait(ctx)
}

// ============================================================================
// 状态变更
// ============================================================================

// update 在锁内修改当前记录，锁外广播；记录已终结时不做修改
func (o *Orchestrator) update(id string, fn func(r *model.AnalysisResult)) *model.AnalysisResult {
	o.mu.Lock()
	if o.current == nil || o.current.ID != id || o.current.Status.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	prevStatus, prevStep := o.current.Status, o.current.Step
	fn(o.current)
	snapshot := o.current.Clone()
	o.mu.Unlock()

	// 仅步骤推进时发布 step 事件
	evType := eventbus.EventStatus
	if snapshot.Status == prevStatus && snapshot.Step != prevStep && snapshot.Step != "" {
		evType = eventbus.EventStep
	}
	o.notify(snapshot, evType)
	return snapshot
}

func (o *Orchestrator) notify(r *model.AnalysisResult, evType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if o.history != nil {
		if err := o.history.Record(ctx, r); err != nil {
			o.log.WithAnalysisID(r.ID).WithError(err).Warn("history record failed")
		}
	}
	ev := &eventbus.AnalysisEvent{
		Type:      evType,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"status": string(r.Status),
			"step":   r.Step,
		},
	}
	if r.Error != nil {
		ev.Data["error"] = *r.Error
	}
	if err := o.bus.PublishAnalysisEvent(ctx, r.ID, ev); err != nil {
		o.log.WithAnalysisID(r.ID).WithError(err).Warn("event publish failed")
	}

	o.listenersMu.RLock()
	ls := append([]Listener(nil), o.listeners...)
	o.listenersMu.RUnlock()
	for _, l := range ls {
		l(r.Clone())
	}
}
