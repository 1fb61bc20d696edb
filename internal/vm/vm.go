// Package vm 定义虚拟机控制适配器接口
//
// Controller 是 Hypervisor 生命周期操作的抽象：
//   - VirtualBox（vboxmanage 子包，通过命令行驱动）
//   - 其他 Hypervisor 按同一接口实现
//
// 所有操作必须幂等：目标状态已满足时直接返回成功。
// Hypervisor 输出无法解析时返回 ErrUnexpectedOutput，不得 panic。
package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// Controller 虚拟机控制接口
type Controller interface {
	// Name 返回适配器名称
	Name() string

	Start(ctx context.Context, vmName string) (*Result, error)
	PowerOff(ctx context.Context, vmName string) (*Result, error)
	Pause(ctx context.Context, vmName string) (*Result, error)
	Resume(ctx context.Context, vmName string) (*Result, error)
	Reset(ctx context.Context, vmName string) (*Result, error)
	SaveState(ctx context.Context, vmName string) (*Result, error)

	// Shutdown 发送 ACPI 关机信号（由 Guest 自行关机）
	Shutdown(ctx context.Context, vmName string) (*Result, error)

	TakeSnapshot(ctx context.Context, vmName, snapshot string) (*Result, error)
	RestoreSnapshot(ctx context.Context, vmName, snapshot string) (*Result, error)
	RestoreCurrentSnapshot(ctx context.Context, vmName string) (*Result, error)

	// Info 查询机器可读信息
	Info(ctx context.Context, vmName string) (*Info, error)

	// IPAddress 通过 Guest Additions 查询 IPv4 地址，未上报时返回空字符串
	IPAddress(ctx context.Context, vmName string) (string, error)

	// ListRunning 列出运行中的虚拟机
	ListRunning(ctx context.Context) ([]Machine, error)

	// Screenshot 抓取当前显示帧（PNG）写入 path
	Screenshot(ctx context.Context, vmName, path string) (*Result, error)
}

// State 虚拟机状态
type State string

const (
	StateRunning    State = "running"
	StatePoweredOff State = "poweroff"
	StatePaused     State = "paused"
	StateSaved      State = "saved"
	StateAborted    State = "aborted"
	StateStarting   State = "starting"
	StateStopping   State = "stopping"
	StateRestoring  State = "restoring"
	StateUnknown    State = "unknown"
)

// IsStopped 是否处于非运行的稳定状态
func (s State) IsStopped() bool {
	return s == StatePoweredOff || s == StateAborted || s == StateSaved
}

// Result 生命周期操作结果
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	State   State  `json:"observed_state,omitempty"`
	NoOp    bool   `json:"no_op,omitempty"` // 目标状态已满足，未执行变更
}

// Info 虚拟机信息
type Info struct {
	Name            string            `json:"name"`
	UUID            string            `json:"uuid,omitempty"`
	State           State             `json:"state"`
	StateChangedAt  *time.Time        `json:"state_changed_at,omitempty"`
	OSType          string            `json:"os_type,omitempty"`
	MemoryMB        int               `json:"memory_mb,omitempty"`
	CPUs            int               `json:"cpus,omitempty"`
	CurrentSnapshot string            `json:"current_snapshot,omitempty"`
	Raw             map[string]string `json:"raw,omitempty"`
}

// Machine 运行中的虚拟机
type Machine struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// 错误分类（基于 containerd/errdefs，调用方可用 errdefs.IsXxx 判断）
var (
	ErrNotFound         = fmt.Errorf("vm not found: %w", errdefs.ErrNotFound)
	ErrUnreachable      = fmt.Errorf("hypervisor unreachable: %w", errdefs.ErrUnavailable)
	ErrTimeout          = fmt.Errorf("vm operation timed out: %w", context.DeadlineExceeded)
	ErrUnexpectedOutput = fmt.Errorf("unexpected hypervisor output: %w", errdefs.ErrUnknown)
)

// OpError 带操作上下文的错误
type OpError struct {
	Op     string
	VM     string
	Detail string
	Err    error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.VM, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

// Kind 返回错误类别名称（用于 HTTP 响应与日志）
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnexpectedOutput):
		return "unexpected_output"
	default:
		return "internal"
	}
}
