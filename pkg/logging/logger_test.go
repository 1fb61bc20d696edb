package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestParseLevel 验证级别解析
func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

// TestLogger_Attributes 验证派生字段写入输出
func TestLogger_Attributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Component: "orchestrator", Format: "json"}, &buf, slog.LevelDebug)

	l.WithAnalysisID("a-1").WithCollector("pcap").WithError(errors.New("boom")).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"orchestrator"`)
	assert.Contains(t, out, `"analysis_id":"a-1"`)
	assert.Contains(t, out, `"collector":"pcap"`)
	assert.Contains(t, out, `"error":"boom"`)
}

// TestLogger_WithContext 验证从上下文提取追踪字段
func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Component: "agent"}, &buf, slog.LevelInfo)

	ctx := context.WithValue(context.Background(), RunIDKey, "run-9")
	l.WithContext(ctx).Info("started")
	assert.Contains(t, buf.String(), "run_id=run-9")

	// 无追踪字段时返回原日志器
	assert.Same(t, l, l.WithContext(context.Background()))
}

// TestHTTPRequestLog_StatusPollingIsDebug 状态轮询请求降级为 debug
func TestHTTPRequestLog_StatusPollingIsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Component: "agent"}, &buf, slog.LevelInfo)

	l.HTTPRequestLog("GET", "/api/status", 200, time.Millisecond, "127.0.0.1")
	assert.Empty(t, buf.String())

	l.HTTPRequestLog("POST", "/api/execute", 202, time.Millisecond, "127.0.0.1")
	assert.Contains(t, buf.String(), "path=/api/execute")
}
