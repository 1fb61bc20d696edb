// Package model 定义核心数据模型
//
// agent.go 包含 Guest Agent 状态模型：
//   - AgentState：四态状态机
//   - AgentStatus：状态快照（GET /api/status 返回体）
package model

import (
	"fmt"
	"time"
)

// ============================================================================
// AgentState - Agent 状态机
// ============================================================================

// AgentState Guest Agent 状态
//
// 合法转换：
//
//	idle ──execute──▶ executing ──timeout──▶ collecting ──done──▶ idle
//	idle ──collect──▶ collecting
//	任意状态 ──fault──▶ error ──cleanup──▶ idle
type AgentState string

const (
	AgentStateIdle       AgentState = "idle"
	AgentStateExecuting  AgentState = "executing"
	AgentStateCollecting AgentState = "collecting"
	AgentStateError      AgentState = "error"
)

var agentTransitions = map[AgentState][]AgentState{
	AgentStateIdle:       {AgentStateExecuting, AgentStateCollecting, AgentStateError},
	AgentStateExecuting:  {AgentStateCollecting, AgentStateError},
	AgentStateCollecting: {AgentStateIdle, AgentStateError},
	AgentStateError:      {AgentStateIdle},
}

// ValidateTransition 校验状态转换是否合法
func ValidateTransition(from, to AgentState) error {
	for _, allowed := range agentTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid agent transition %s -> %s", from, to)
}

// IsBusy 是否正在执行或采集
func (s AgentState) IsBusy() bool {
	return s == AgentStateExecuting || s == AgentStateCollecting
}

// RunMode Agent 运行模式
type RunMode string

const (
	RunModeExecute RunMode = "execute" // 执行样本后采集
	RunModeCollect RunMode = "collect" // 仅采集
)

// ============================================================================
// AgentStatus - 状态快照
// ============================================================================

// RunInfo 当前或最近一次运行的摘要
type RunInfo struct {
	RunID      string     `json:"run_id"`
	Mode       RunMode    `json:"mode"`
	Sample     string     `json:"sample,omitempty"`
	Timeout    int        `json:"timeout,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Bundle     string     `json:"bundle,omitempty"` // 已发布的结果包名称
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// AgentStatus Agent 状态快照
//
// 由 Agent 的工作协程独占修改，状态读取方获得的是完整拷贝。
type AgentStatus struct {
	State         AgentState `json:"state"`
	CurrentSample *string    `json:"current_sample"`
	AgentID       string     `json:"agent_id"`
	Hostname      string     `json:"hostname"`
	Version       string     `json:"version"`
	StartedAt     time.Time  `json:"started_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	CurrentRun    *RunInfo   `json:"current_run,omitempty"`
	LastRun       *RunInfo   `json:"last_run,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Clone 深拷贝
func (s AgentStatus) Clone() AgentStatus {
	c := s
	if s.CurrentSample != nil {
		v := *s.CurrentSample
		c.CurrentSample = &v
	}
	if s.CurrentRun != nil {
		r := s.CurrentRun.clone()
		c.CurrentRun = &r
	}
	if s.LastRun != nil {
		r := s.LastRun.clone()
		c.LastRun = &r
	}
	return c
}

func (r RunInfo) clone() RunInfo {
	c := r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
