package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"sandbox-admin/internal/shared/eventbus"
)

func streamKey(analysisID string) string {
	return eventbus.KeyAnalysisEvents + analysisID
}

// PublishAnalysisEvent 发布分析事件
func (s *Store) PublishAnalysisEvent(ctx context.Context, analysisID string, event *eventbus.AnalysisEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	args := &redis.XAddArgs{
		Stream: streamKey(analysisID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":      event.Type,
			"timestamp": ts.Format(time.RFC3339Nano),
			"data":      string(dataJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published event: analysis=%s seq=%s type=%s", analysisID, id, event.Type)
	return nil
}

// GetAnalysisEvents 获取分析事件列表
func (s *Store) GetAnalysisEvents(ctx context.Context, analysisID string, count int64) ([]*eventbus.AnalysisEvent, error) {
	msgs, err := s.client.XRange(ctx, streamKey(analysisID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := []*eventbus.AnalysisEvent{}
	for i, msg := range msgs {
		event := decodeMessage(analysisID, msg)
		event.Seq = i + 1
		events = append(events, event)

		if count > 0 && int64(len(events)) >= count {
			break
		}
	}
	return events, nil
}

// SubscribeAnalysisEvents 订阅分析事件（只接收订阅之后的新事件）
func (s *Store) SubscribeAnalysisEvents(ctx context.Context, analysisID string) (<-chan *eventbus.AnalysisEvent, error) {
	key := streamKey(analysisID)
	ch := make(chan *eventbus.AnalysisEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Event subscription error: %v", err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeMessage(analysisID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteAnalysisEvents 删除分析事件流
func (s *Store) DeleteAnalysisEvents(ctx context.Context, analysisID string) error {
	return s.client.Del(ctx, streamKey(analysisID)).Err()
}

func decodeMessage(analysisID string, msg redis.XMessage) *eventbus.AnalysisEvent {
	event := &eventbus.AnalysisEvent{ID: msg.ID, AnalysisID: analysisID}
	if typ, ok := msg.Values["type"].(string); ok {
		event.Type = typ
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if dataStr, ok := msg.Values["data"].(string); ok {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &data); err == nil {
			event.Data = data
		}
	}
	return event
}
