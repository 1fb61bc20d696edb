// Package collector Guest 内的产物采集器框架
//
// 每个采集器实现 Collector 接口，启动时注册到静态的 Registry：
//   - Available：廉价、无副作用的可用性探测
//   - Collect：产出 ok / no_data / error 三态结果与产物列表
//
// 依赖外部记录器（Procmon、dumpcap）的采集器额外实现 Preparer，
// 在样本启动前开始记录，在 Collect 中停止并导出。
package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sandbox-admin/internal/shared/model"
	"sandbox-admin/pkg/logging"
)

// Collector 采集器接口
type Collector interface {
	// Name 唯一名称，同时作为产物子目录名
	Name() string

	// Description 描述
	Description() string

	// Available 可用性探测，必须廉价且无副作用
	Available(ctx context.Context) bool

	// Collect 采集产物
	Collect(ctx context.Context, rc *RunContext) (*Result, error)
}

// Preparer 需要在样本启动前准备的采集器（启动记录器、清理旧状态）
type Preparer interface {
	Prepare(ctx context.Context, rc *RunContext) error
}

// Result 单个采集器的结果
type Result struct {
	Status    model.CollectorStatus
	Artifacts []string // 相对 RunContext.ArtifactsDir 的斜杠路径
	Events    int
	Frames    []model.Frame
}

// NoData 运行正常但无相关数据
func NoData() *Result {
	return &Result{Status: model.CollectorStatusNoData}
}

// RunContext 一次运行的采集上下文
type RunContext struct {
	RunID        string
	Mode         model.RunMode
	Sample       string // 样本路径（collect 模式为空）
	PID          int    // 样本进程 PID（未知为 0）
	Since        time.Time
	ArtifactsDir string
	Log          *logging.Logger

	mu        sync.Mutex
	abandoned map[string]bool
}

// AbandonedDir 被放弃采集器的产物隔离目录（位于产物目录之外，不进入结果包）
const AbandonedDir = "abandoned"

// Dir 返回（并创建）采集器专属产物目录；被放弃的采集器不能再创建
func (rc *RunContext) Dir(name string) (string, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.abandoned[name] {
		return "", fmt.Errorf("collector %s was abandoned after timeout", name)
	}
	dir := filepath.Join(rc.ArtifactsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir %s: %w", name, err)
	}
	return dir, nil
}

// quarantine 将采集器目录移出产物目录，此后该采集器的写入都不会进入结果包
func (rc *RunContext) quarantine(name string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.abandoned == nil {
		rc.abandoned = make(map[string]bool)
	}
	rc.abandoned[name] = true

	src := filepath.Join(rc.ArtifactsDir, name)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dstDir := filepath.Join(filepath.Dir(rc.ArtifactsDir), AbandonedDir)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dstDir, name)
	_ = os.RemoveAll(dst)
	return os.Rename(src, dst)
}

// Rel 产物绝对路径转为结果包内相对路径
func (rc *RunContext) Rel(path string) string {
	rel, err := filepath.Rel(rc.ArtifactsDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (rc *RunContext) logger() *logging.Logger {
	if rc.Log == nil {
		return logging.Discard()
	}
	return rc.Log
}

// nonEmpty 过滤掉不存在或空的产物文件
func nonEmpty(rc *RunContext, paths ...string) []string {
	out := []string{}
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.Size() > 0 {
			out = append(out, rc.Rel(p))
		}
	}
	return out
}
