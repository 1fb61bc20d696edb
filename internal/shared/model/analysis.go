// Package model 定义核心数据模型
//
// analysis.go 包含 Host 侧分析记录：
//   - AnalysisResult：一次样本分析（由 Orchestrator 独占）
//   - AnalysisStatus：分析状态枚举（单调推进，不可回退）
package model

import (
	"time"
)

// ============================================================================
// AnalysisStatus - 分析状态
// ============================================================================

// AnalysisStatus 表示一次分析的状态
//
// 状态只能向前推进：
//
//	pending → running → complete
//	       ↘         ↘ failed
//
// complete / failed 为终态，进入后不再改变。
type AnalysisStatus string

const (
	// AnalysisStatusPending 已提交：等待 VM 就绪与样本投递
	AnalysisStatusPending AnalysisStatus = "pending"

	// AnalysisStatusRunning 执行中：Agent 已确认 execute 请求
	AnalysisStatusRunning AnalysisStatus = "running"

	// AnalysisStatusComplete 已完成：结果包已取回并解包
	AnalysisStatusComplete AnalysisStatus = "complete"

	// AnalysisStatusFailed 已失败：任一步骤失败或超时
	AnalysisStatusFailed AnalysisStatus = "failed"
)

// rank 状态在推进序列中的位置
func (s AnalysisStatus) rank() int {
	switch s {
	case AnalysisStatusPending:
		return 0
	case AnalysisStatusRunning:
		return 1
	case AnalysisStatusComplete, AnalysisStatusFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal 是否为终态
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusComplete || s == AnalysisStatusFailed
}

// IsValid 是否为合法状态
func (s AnalysisStatus) IsValid() bool {
	return s.rank() >= 0
}

// CanAdvanceTo 判断能否从 s 推进到 next
func (s AnalysisStatus) CanAdvanceTo(next AnalysisStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}

// ============================================================================
// AnalysisResult - 分析记录
// ============================================================================

// AnalysisResult 一次样本分析的完整记录
//
// 不变式：
//   - Status 单调推进，终态不可修改
//   - Orchestrator 同一时刻最多持有一个非终态记录
//   - Error 仅在 failed 时非空，始终为简短诊断信息
type AnalysisResult struct {
	ID                 string         `json:"id"`
	SampleName         string         `json:"sample_name"`
	StagedName         string         `json:"staged_name,omitempty"` // Shared Channel 中的投递名
	SHA256             string         `json:"sha256,omitempty"`
	Status             AnalysisStatus `json:"status"`
	StartedAt          time.Time      `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	Timeout            int            `json:"timeout"`             // 样本观察窗口（秒）
	ScreenshotInterval int            `json:"screenshot_interval"` // Host 侧截屏间隔（秒），0 表示关闭
	Error              *string        `json:"error"`
	ReportDir          *string        `json:"report_dir"`
	SysmonEvents       int            `json:"sysmon_events"`
	FilesCollected     int            `json:"files_collected"`
	HostFrames         int            `json:"host_frames"`
	AgentPackage       string         `json:"agent_package,omitempty"` // Agent 发布的结果包名称
	Step               string         `json:"step,omitempty"`          // 当前流水线步骤
}

// Advance 推进状态，非法推进返回 false 且不做修改
func (r *AnalysisResult) Advance(next AnalysisStatus, now time.Time) bool {
	if !r.Status.CanAdvanceTo(next) {
		return false
	}
	r.Status = next
	if next.IsTerminal() {
		t := now
		r.CompletedAt = &t
	}
	return true
}

// Fail 标记失败并记录诊断信息
func (r *AnalysisResult) Fail(msg string, now time.Time) bool {
	if !r.Advance(AnalysisStatusFailed, now) {
		return false
	}
	r.Error = &msg
	return true
}

// Duration 分析耗时（未结束时返回到 now 为止）
func (r *AnalysisResult) Duration(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Clone 深拷贝，供并发读取方使用
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.ReportDir != nil {
		d := *r.ReportDir
		c.ReportDir = &d
	}
	return &c
}
