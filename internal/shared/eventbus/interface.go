// Package eventbus 事件总线抽象接口
//
// 分析状态变更以事件流的形式发布，供外部 UI 或报告处理方订阅。
// 当前由 Redis Streams 实现；未配置 Redis 时使用 NoOpEventBus。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// AnalysisEventBus 分析事件总线接口
type AnalysisEventBus interface {
	PublishAnalysisEvent(ctx context.Context, analysisID string, event *AnalysisEvent) error
	GetAnalysisEvents(ctx context.Context, analysisID string, count int64) ([]*AnalysisEvent, error)
	SubscribeAnalysisEvents(ctx context.Context, analysisID string) (<-chan *AnalysisEvent, error)
	DeleteAnalysisEvents(ctx context.Context, analysisID string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	AnalysisEventBus
	Close() error
}
