// Package model 定义核心数据模型
//
// manifest.go 包含结果包清单：
//   - CollectorStatus：采集结果四态
//   - CollectorDescriptor：采集器描述
//   - CollectorOutcome：单个采集器的结果
//   - Manifest：一次运行的清单
package model

import (
	"time"
)

// CollectorStatus 采集器结果状态
type CollectorStatus string

const (
	CollectorStatusOK          CollectorStatus = "ok"          // 产出数据
	CollectorStatusNoData      CollectorStatus = "no_data"     // 运行正常但无相关数据
	CollectorStatusUnavailable CollectorStatus = "unavailable" // 依赖的记录器不存在
	CollectorStatusError       CollectorStatus = "error"       // 采集失败
)

// CollectorDescriptor 采集器描述（GET /api/collectors 返回项）
type CollectorDescriptor struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	Description string `json:"description"`
}

// CollectorOutcome 单个采集器的运行结果
type CollectorOutcome struct {
	Name       string          `json:"name"`
	Status     CollectorStatus `json:"status"`
	Artifacts  []string        `json:"artifacts"`
	Events     int             `json:"events,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// FrameSource 截图来源
type FrameSource string

const (
	FrameSourceGuest FrameSource = "guest" // Guest 内截图采集器
	FrameSourceHost  FrameSource = "host"  // Host 侧 VM 显示帧
)

// Frame 一帧截图
type Frame struct {
	Path       string      `json:"path"`
	Source     FrameSource `json:"source"`
	CapturedAt time.Time   `json:"captured_at"`
}

// ExecutionRecord 样本启动记录
type ExecutionRecord struct {
	Launched bool   `json:"launched"`
	Launcher string `json:"launcher,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Manifest 结果包清单
type Manifest struct {
	RunID        string             `json:"run_id"`
	Mode         RunMode            `json:"mode"`
	Sample       string             `json:"sample,omitempty"`
	Timeout      int                `json:"timeout,omitempty"`
	AgentID      string             `json:"agent_id"`
	AgentVersion string             `json:"agent_version"`
	Hostname     string             `json:"hostname"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Execution    *ExecutionRecord   `json:"execution,omitempty"`
	Collectors   []CollectorOutcome `json:"collectors"`
	Frames       []Frame            `json:"frames,omitempty"`
}

// ManifestFileName 清单在结果包与报告目录中的文件名
const ManifestFileName = "manifest.json"

// Outcome 按名称查找采集结果
func (m *Manifest) Outcome(name string) (CollectorOutcome, bool) {
	for _, o := range m.Collectors {
		if o.Name == name {
			return o, true
		}
	}
	return CollectorOutcome{}, false
}

// ArtifactCount 所有采集器产出的文件总数
func (m *Manifest) ArtifactCount() int {
	n := 0
	for _, o := range m.Collectors {
		n += len(o.Artifacts)
	}
	return n
}

// EventCount 指定采集器上报的事件数
func (m *Manifest) EventCount(name string) int {
	o, ok := m.Outcome(name)
	if !ok {
		return 0
	}
	return o.Events
}

// Summary 运行结果摘要：任一采集器成功即为 ok
func (m *Manifest) Summary() string {
	counts := map[CollectorStatus]int{}
	for _, o := range m.Collectors {
		counts[o.Status]++
	}
	switch {
	case m.Execution != nil && m.Execution.Error != "":
		return "launch_failed"
	case counts[CollectorStatusOK] > 0:
		return "ok"
	case counts[CollectorStatusError] > 0:
		return "collector_errors"
	default:
		return "no_data"
	}
}
