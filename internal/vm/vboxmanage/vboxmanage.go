// Package vboxmanage 通过 VBoxManage 命令行实现 vm.Controller
package vboxmanage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"time"

	"sandbox-admin/internal/vm"
	"sandbox-admin/pkg/logging"
)

// Config VirtualBox 适配器配置
type Config struct {
	Binary         string        `yaml:"binary"`          // VBoxManage 路径
	CommandTimeout time.Duration `yaml:"command_timeout"` // 单条命令超时
	StartType      string        `yaml:"start_type"`      // headless / gui / separate
	NetIndex       int           `yaml:"net_index"`       // 查询 IP 使用的网卡序号
}

// Driver VirtualBox 控制器
type Driver struct {
	cfg    Config
	runner CommandRunner
	log    *logging.Logger
}

// Option 构造选项
type Option func(*Driver)

// WithRunner 替换命令执行器
func WithRunner(r CommandRunner) Option {
	return func(d *Driver) { d.runner = r }
}

// WithLogger 设置日志器
func WithLogger(l *logging.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// New 创建 VirtualBox 控制器
func New(cfg Config, opts ...Option) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = "VBoxManage"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 60 * time.Second
	}
	if cfg.StartType == "" {
		cfg.StartType = "headless"
	}
	d := &Driver{cfg: cfg, runner: ExecRunner{}, log: logging.Discard()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ vm.Controller = (*Driver)(nil)

// Name 返回适配器名称
func (d *Driver) Name() string { return "virtualbox" }

// run 执行一条 VBoxManage 命令，非零退出与启动失败都归类为 vm 错误
func (d *Driver) run(ctx context.Context, op, vmName string, args ...string) (Output, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	out, err := d.runner.Run(cctx, d.cfg.Binary, args...)
	d.log.Debug("vboxmanage command", "op", op, "vm", vmName, "args", args, "exit_code", out.ExitCode, "duration_ms", time.Since(start).Milliseconds())

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded):
			return out, &vm.OpError{Op: op, VM: vmName, Detail: fmt.Sprintf("after %s", d.cfg.CommandTimeout), Err: vm.ErrTimeout}
		case errors.Is(err, context.Canceled):
			return out, &vm.OpError{Op: op, VM: vmName, Err: err}
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return out, &vm.OpError{Op: op, VM: vmName, Detail: d.cfg.Binary + " not found", Err: vm.ErrUnreachable}
		default:
			return out, &vm.OpError{Op: op, VM: vmName, Detail: err.Error(), Err: vm.ErrUnreachable}
		}
	}
	if out.ExitCode != 0 {
		kind, detail := classifyFailure(out)
		return out, &vm.OpError{Op: op, VM: vmName, Detail: detail, Err: kind}
	}
	return out, nil
}

// Info 查询机器可读信息
func (d *Driver) Info(ctx context.Context, vmName string) (*vm.Info, error) {
	out, err := d.run(ctx, "info", vmName, "showvminfo", vmName, "--machinereadable")
	if err != nil {
		return nil, err
	}
	info, err := parseInfo(vmName, out.Stdout)
	if err != nil {
		return nil, &vm.OpError{Op: "info", VM: vmName, Err: err}
	}
	return info, nil
}

// transition 幂等状态变更：先查询，目标已满足则不执行；命令失败后再次查询确认
func (d *Driver) transition(ctx context.Context, op, vmName string, satisfied func(vm.State) bool, args ...string) (*vm.Result, error) {
	info, err := d.Info(ctx, vmName)
	if err != nil {
		return nil, err
	}
	if satisfied(info.State) {
		return &vm.Result{
			Success: true,
			Message: fmt.Sprintf("%s: %s already %s", op, vmName, info.State),
			State:   info.State,
			NoOp:    true,
		}, nil
	}

	if _, runErr := d.run(ctx, op, vmName, args...); runErr != nil {
		if again, qerr := d.Info(ctx, vmName); qerr == nil && satisfied(again.State) {
			d.log.Warn("vboxmanage verb failed but target state reached", "op", op, "vm", vmName, "error", runErr)
			return &vm.Result{Success: true, Message: fmt.Sprintf("%s: %s reached %s", op, vmName, again.State), State: again.State}, nil
		}
		return nil, runErr
	}

	return &vm.Result{Success: true, Message: fmt.Sprintf("%s: ok", op), State: d.observe(ctx, vmName)}, nil
}

// observe 尽力查询当前状态，失败返回 unknown
func (d *Driver) observe(ctx context.Context, vmName string) vm.State {
	info, err := d.Info(ctx, vmName)
	if err != nil {
		return vm.StateUnknown
	}
	return info.State
}

func isRunning(s vm.State) bool { return s == vm.StateRunning }

// Start 启动虚拟机；暂停中的虚拟机改为恢复
func (d *Driver) Start(ctx context.Context, vmName string) (*vm.Result, error) {
	info, err := d.Info(ctx, vmName)
	if err != nil {
		return nil, err
	}
	if info.State == vm.StatePaused {
		return d.Resume(ctx, vmName)
	}
	return d.transition(ctx, "start", vmName, isRunning, "startvm", vmName, "--type", d.cfg.StartType)
}

// PowerOff 强制断电
func (d *Driver) PowerOff(ctx context.Context, vmName string) (*vm.Result, error) {
	return d.transition(ctx, "poweroff", vmName, vm.State.IsStopped, "controlvm", vmName, "poweroff")
}

// Pause 暂停
func (d *Driver) Pause(ctx context.Context, vmName string) (*vm.Result, error) {
	return d.transition(ctx, "pause", vmName, func(s vm.State) bool { return s == vm.StatePaused }, "controlvm", vmName, "pause")
}

// Resume 恢复
func (d *Driver) Resume(ctx context.Context, vmName string) (*vm.Result, error) {
	return d.transition(ctx, "resume", vmName, isRunning, "controlvm", vmName, "resume")
}

// Reset 硬重启（无幂等语义，要求虚拟机运行中）
func (d *Driver) Reset(ctx context.Context, vmName string) (*vm.Result, error) {
	if _, err := d.run(ctx, "reset", vmName, "controlvm", vmName, "reset"); err != nil {
		return nil, err
	}
	return &vm.Result{Success: true, Message: "reset: ok", State: d.observe(ctx, vmName)}, nil
}

// SaveState 保存状态并停止
func (d *Driver) SaveState(ctx context.Context, vmName string) (*vm.Result, error) {
	return d.transition(ctx, "savestate", vmName, func(s vm.State) bool { return s == vm.StateSaved }, "controlvm", vmName, "savestate")
}

// Shutdown ACPI 关机（Guest 需要时间自行关闭，返回时可能仍在运行）
func (d *Driver) Shutdown(ctx context.Context, vmName string) (*vm.Result, error) {
	return d.transition(ctx, "shutdown", vmName, vm.State.IsStopped, "controlvm", vmName, "acpipowerbutton")
}

// TakeSnapshot 创建快照，运行中使用 --live
func (d *Driver) TakeSnapshot(ctx context.Context, vmName, snapshot string) (*vm.Result, error) {
	if snapshot == "" {
		return nil, &vm.OpError{Op: "snapshot take", VM: vmName, Detail: "snapshot name required", Err: vm.ErrUnexpectedOutput}
	}
	info, err := d.Info(ctx, vmName)
	if err != nil {
		return nil, err
	}
	args := []string{"snapshot", vmName, "take", snapshot}
	if info.State == vm.StateRunning {
		args = append(args, "--live")
	}
	if _, err := d.run(ctx, "snapshot take", vmName, args...); err != nil {
		return nil, err
	}
	return &vm.Result{Success: true, Message: fmt.Sprintf("snapshot %q taken", snapshot), State: d.observe(ctx, vmName)}, nil
}

// RestoreSnapshot 恢复指定快照（运行中先断电）
func (d *Driver) RestoreSnapshot(ctx context.Context, vmName, snapshot string) (*vm.Result, error) {
	if snapshot == "" {
		return d.RestoreCurrentSnapshot(ctx, vmName)
	}
	return d.restore(ctx, "snapshot restore", vmName, fmt.Sprintf("snapshot %q restored", snapshot), "snapshot", vmName, "restore", snapshot)
}

// RestoreCurrentSnapshot 恢复当前快照
func (d *Driver) RestoreCurrentSnapshot(ctx context.Context, vmName string) (*vm.Result, error) {
	return d.restore(ctx, "snapshot restorecurrent", vmName, "current snapshot restored", "snapshot", vmName, "restorecurrent")
}

func (d *Driver) restore(ctx context.Context, op, vmName, msg string, args ...string) (*vm.Result, error) {
	if _, err := d.PowerOff(ctx, vmName); err != nil {
		return nil, err
	}
	if _, err := d.run(ctx, op, vmName, args...); err != nil {
		return nil, err
	}
	return &vm.Result{Success: true, Message: msg, State: d.observe(ctx, vmName)}, nil
}

// IPAddress 查询 Guest Additions 上报的 IPv4 地址
func (d *Driver) IPAddress(ctx context.Context, vmName string) (string, error) {
	prop := "/VirtualBox/GuestInfo/Net/" + strconv.Itoa(d.cfg.NetIndex) + "/V4/IP"
	out, err := d.run(ctx, "ip", vmName, "guestproperty", "get", vmName, prop)
	if err != nil {
		return "", err
	}
	ip, err := parseGuestIP(out.Stdout)
	if err != nil {
		return "", &vm.OpError{Op: "ip", VM: vmName, Err: err}
	}
	return ip, nil
}

// ListRunning 列出运行中的虚拟机
func (d *Driver) ListRunning(ctx context.Context) ([]vm.Machine, error) {
	out, err := d.run(ctx, "list", "", "list", "runningvms")
	if err != nil {
		return nil, err
	}
	machines, err := parseRunningList(out.Stdout)
	if err != nil {
		return nil, &vm.OpError{Op: "list", Err: err}
	}
	return machines, nil
}

// Screenshot 抓取显示帧（要求虚拟机运行中）
func (d *Driver) Screenshot(ctx context.Context, vmName, path string) (*vm.Result, error) {
	if _, err := d.run(ctx, "screenshot", vmName, "controlvm", vmName, "screenshotpng", path); err != nil {
		return nil, err
	}
	return &vm.Result{Success: true, Message: "screenshot saved to " + path, State: vm.StateRunning}, nil
}
