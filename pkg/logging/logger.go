// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	AnalysisIDKey ContextKey = "analysis_id"
	RunIDKey      ContextKey = "run_id"
	SampleKey     ContextKey = "sample"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"` // json or text
	Output    string `yaml:"output" json:"output"` // stdout, stderr, or file path
	Component string `yaml:"-" json:"component"`
}

// ParseLevel 解析日志级别，未知值回退到 info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	level := ParseLevel(cfg.Level)

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}
	return NewWithWriter(cfg, output, level)
}

// NewWithWriter 使用指定输出创建日志器（测试中常用）
func NewWithWriter(cfg Config, w io.Writer, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard 丢弃所有输出的日志器
func Discard() *Logger {
	return NewWithWriter(Config{Component: "discard"}, io.Discard, slog.LevelError)
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// Named 派生子组件日志器
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("subcomponent", component)),
		component: l.component,
	}
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if id, ok := ctx.Value(AnalysisIDKey).(string); ok && id != "" {
		attrs = append(attrs, slog.String("analysis_id", id))
	}
	if id, ok := ctx.Value(RunIDKey).(string); ok && id != "" {
		attrs = append(attrs, slog.String("run_id", id))
	}
	if sample, ok := ctx.Value(SampleKey).(string); ok && sample != "" {
		attrs = append(attrs, slog.String("sample", sample))
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithAnalysisID 添加分析 ID
func (l *Logger) WithAnalysisID(id string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("analysis_id", id)),
		component: l.component,
	}
}

// WithRunID 添加 Agent 运行 ID
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("run_id", runID)),
		component: l.component,
	}
}

// WithCollector 添加采集器名称
func (l *Logger) WithCollector(name string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("collector", name)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	attrs := []any{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	}
	// 状态轮询非常频繁，降为 debug
	if status < 400 && (strings.HasSuffix(path, "/status") || path == "/metrics" || path == "/health") {
		l.Logger.Debug("HTTP request", attrs...)
		return
	}
	l.Logger.Info("HTTP request", attrs...)
}

// CollectorLog 采集器结果日志
func (l *Logger) CollectorLog(name, status string, artifacts int, duration time.Duration, err error) {
	attrs := []any{
		slog.String("collector", name),
		slog.String("status", status),
		slog.Int("artifacts", artifacts),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Collector finished with error", attrs...)
		return
	}
	l.Logger.Info("Collector finished", attrs...)
}

// PollLog Agent 状态轮询日志
func (l *Logger) PollLog(state string, failures int, latency time.Duration, err error) {
	attrs := []any{
		slog.String("agent_state", state),
		slog.Int("consecutive_failures", failures),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Agent poll failed", attrs...)
		return
	}
	l.Logger.Debug("Agent polled", attrs...)
}
