// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"sync"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（未配置 Redis 时使用）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

func (e *NoOpEventBus) PublishAnalysisEvent(ctx context.Context, analysisID string, event *AnalysisEvent) error {
	return nil
}
func (e *NoOpEventBus) GetAnalysisEvents(ctx context.Context, analysisID string, count int64) ([]*AnalysisEvent, error) {
	return []*AnalysisEvent{}, nil
}
func (e *NoOpEventBus) SubscribeAnalysisEvents(ctx context.Context, analysisID string) (<-chan *AnalysisEvent, error) {
	ch := make(chan *AnalysisEvent)
	close(ch)
	return ch, nil
}
func (e *NoOpEventBus) DeleteAnalysisEvents(ctx context.Context, analysisID string) error {
	return nil
}

// ============================================================================
// MemoryEventBus - 进程内实现（用于测试）
// ============================================================================

// MemoryEventBus 在内存中保存事件
type MemoryEventBus struct {
	mu     sync.Mutex
	events map[string][]*AnalysisEvent
}

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{events: make(map[string][]*AnalysisEvent)}
}

// Close 关闭事件总线
func (e *MemoryEventBus) Close() error { return nil }

// PublishAnalysisEvent 追加事件并分配序号
func (e *MemoryEventBus) PublishAnalysisEvent(_ context.Context, analysisID string, event *AnalysisEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := *event
	c.AnalysisID = analysisID
	c.Seq = len(e.events[analysisID]) + 1
	e.events[analysisID] = append(e.events[analysisID], &c)
	return nil
}

// GetAnalysisEvents 按发布顺序返回事件
func (e *MemoryEventBus) GetAnalysisEvents(_ context.Context, analysisID string, count int64) ([]*AnalysisEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	evs := e.events[analysisID]
	if count > 0 && int64(len(evs)) > count {
		evs = evs[:count]
	}
	return append([]*AnalysisEvent{}, evs...), nil
}

// SubscribeAnalysisEvents 内存实现只回放已有事件
func (e *MemoryEventBus) SubscribeAnalysisEvents(ctx context.Context, analysisID string) (<-chan *AnalysisEvent, error) {
	evs, _ := e.GetAnalysisEvents(ctx, analysisID, 0)
	ch := make(chan *AnalysisEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// DeleteAnalysisEvents 删除事件
func (e *MemoryEventBus) DeleteAnalysisEvents(_ context.Context, analysisID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.events, analysisID)
	return nil
}

// 确保实现了 EventBus 接口
var (
	_ EventBus = (*NoOpEventBus)(nil)
	_ EventBus = (*MemoryEventBus)(nil)
)
