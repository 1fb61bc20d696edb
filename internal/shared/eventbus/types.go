// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// AnalysisEvent 分析事件
type AnalysisEvent struct {
	ID         string                 `json:"id"`
	AnalysisID string                 `json:"analysis_id"`
	Seq        int                    `json:"seq"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

const (
	// EventStatus 分析状态变更
	EventStatus = "analysis.status"
	// EventStep 流水线步骤推进
	EventStep = "analysis.step"
)

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// Key 前缀
	KeyAnalysisEvents = "analysis_events:"

	// Stream 最大长度
	MaxStreamLength = 1000
)
