// Package agentclient Host 侧的 Guest Agent HTTP 客户端
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sandbox-admin/internal/agent"
	"sandbox-admin/internal/auth"
	"sandbox-admin/internal/shared/model"
)

var (
	// ErrBusy Agent 返回 409
	ErrBusy = errors.New("agent busy")

	// ErrSampleNotFound Agent 返回 404
	ErrSampleNotFound = errors.New("sample not found on agent")

	// ErrUnreachable 连接失败或 Agent 返回 5xx
	ErrUnreachable = errors.New("agent unreachable")
)

// Config 客户端配置
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Subject        string        `yaml:"subject"` // JWT sub
}

// Client Guest Agent 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建客户端；authCfg.Secret 为空时不附带令牌
func New(cfg Config, authCfg auth.Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "orchestrator"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: auth.NewTokenTransport(nil, authCfg, subject),
		},
	}
}

// BaseURL Agent 地址
func (c *Client) BaseURL() string { return c.baseURL }

// Accepted execute/collect 的受理响应
type Accepted struct {
	Accepted bool          `json:"accepted"`
	Run      model.RunInfo `json:"run"`
}

// Health 存活探测
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Status 获取状态快照
func (c *Client) Status(ctx context.Context) (*model.AgentStatus, error) {
	var st model.AgentStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Collectors 获取采集器可用性
func (c *Client) Collectors(ctx context.Context) ([]model.CollectorDescriptor, error) {
	var out struct {
		Collectors []model.CollectorDescriptor `json:"collectors"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/collectors", nil, &out); err != nil {
		return nil, err
	}
	return out.Collectors, nil
}

// Artifacts 获取最近一次运行的产物列表
func (c *Client) Artifacts(ctx context.Context) ([]agent.Artifact, error) {
	var out struct {
		Artifacts []agent.Artifact `json:"artifacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/artifacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// Execute 请求执行已投递的样本
func (c *Client) Execute(ctx context.Context, req agent.ExecuteRequest) (*Accepted, error) {
	var out Accepted
	if err := c.do(ctx, http.MethodPost, "/api/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Collect 仅采集
func (c *Client) Collect(ctx context.Context, runID string) (*Accepted, error) {
	var out Accepted
	body := map[string]string{"analysis_id": runID}
	if err := c.do(ctx, http.MethodPost, "/api/collect", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup 清理 Agent 本地产物
func (c *Client) Cleanup(ctx context.Context) (*agent.CleanupResult, error) {
	var out agent.CleanupResult
	if err := c.do(ctx, http.MethodPost, "/api/cleanup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown 请求 Agent 优雅关闭
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/shutdown", nil, nil)
}

// ============================================================================
// 请求辅助
// ============================================================================

// StatusError Agent 返回的非 2xx 响应
type StatusError struct {
	Code    int
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return e.kind }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	se := &StatusError{Code: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusConflict:
		se.kind = ErrBusy
	case resp.StatusCode == http.StatusNotFound:
		se.kind = ErrSampleNotFound
	case resp.StatusCode >= 500:
		se.kind = ErrUnreachable
	}
	return se
}
