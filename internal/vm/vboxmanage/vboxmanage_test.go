package vboxmanage

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-admin/internal/vm"
)

// fakeRunner 脚本化命令执行器：按子命令返回预设输出，并记录调用
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	states []string // showvminfo 依次返回的 VMState，最后一个保持
	script map[string]Output
	err    error
}

func newFakeRunner(states ...string) *fakeRunner {
	return &fakeRunner{states: states, script: map[string]Output{}}
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if f.err != nil {
		return Output{}, f.err
	}
	if args[0] == "showvminfo" {
		state := "poweroff"
		if len(f.states) > 0 {
			state = f.states[0]
			if len(f.states) > 1 {
				f.states = f.states[1:]
			}
		}
		return Output{Stdout: `name="sandbox"
UUID="5f0c7f9e-3c62-4d2a-9d0d-1a2b3c4d5e6f"
ostype="Windows10_64"
memory=4096
cpus=2
VMState="` + state + `"
VMStateChangeTime="2024-05-01T10:11:12.123000000"
CurrentSnapshotName="clean"
`}, nil
	}
	if out, ok := f.script[strings.Join(args[:min(len(args), 3)], " ")]; ok {
		return out, nil
	}
	return Output{}, nil
}

func (f *fakeRunner) invoked(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Join(c, " ") == sub || strings.HasPrefix(strings.Join(c, " "), sub+" ") {
			return true
		}
	}
	return false
}

func newDriver(r CommandRunner) *Driver {
	return New(Config{CommandTimeout: time.Second}, WithRunner(r))
}

// TestStart_AlreadyRunning 运行中的虚拟机再次启动为空操作
func TestStart_AlreadyRunning(t *testing.T) {
	r := newFakeRunner("running")
	d := newDriver(r)

	res, err := d.Start(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.NoOp)
	assert.Equal(t, vm.StateRunning, res.State)
	assert.False(t, r.invoked("startvm"), "不得重复启动 Guest 进程")
}

// TestStart_FromPoweroff 关机状态正常启动
func TestStart_FromPoweroff(t *testing.T) {
	r := newFakeRunner("poweroff", "poweroff", "running")
	d := newDriver(r)

	res, err := d.Start(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, vm.StateRunning, res.State)
	assert.True(t, r.invoked("startvm sandbox --type headless"))
}

// TestPowerOff_AlreadyStopped 已停止的虚拟机断电为空操作
func TestPowerOff_AlreadyStopped(t *testing.T) {
	for _, state := range []string{"poweroff", "aborted", "saved"} {
		r := newFakeRunner(state)
		res, err := newDriver(r).PowerOff(context.Background(), "sandbox")
		require.NoError(t, err, state)
		assert.True(t, res.NoOp, state)
		assert.False(t, r.invoked("controlvm"), state)
	}
}

// TestTransition_FailedVerbButGoalReached 命令失败但目标状态已达成时视为成功
func TestTransition_FailedVerbButGoalReached(t *testing.T) {
	r := newFakeRunner("running", "poweroff")
	r.script["controlvm sandbox poweroff"] = Output{ExitCode: 1, Stderr: "VBoxManage: error: Machine in invalid state"}
	res, err := newDriver(r).PowerOff(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, vm.StatePoweredOff, res.State)
}

// TestInfo_NotFound 未注册的虚拟机归类为 NotFound
func TestInfo_NotFound(t *testing.T) {
	r := &scriptedRunner{out: Output{ExitCode: 1, Stderr: "VBoxManage: error: Could not find a registered machine named 'ghost'\n"}}
	_, err := newDriver(r).Info(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, vm.ErrNotFound)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, "not_found", vm.Kind(err))

	var opErr *vm.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Contains(t, opErr.Detail, "Could not find a registered machine")
}

// TestInfo_MissingBinary 找不到 VBoxManage 归类为 Unreachable
func TestInfo_MissingBinary(t *testing.T) {
	r := newFakeRunner()
	r.err = exec.ErrNotFound
	_, err := newDriver(r).Info(context.Background(), "sandbox")
	assert.ErrorIs(t, err, vm.ErrUnreachable)
	assert.True(t, errdefs.IsUnavailable(err))
}

// TestInfo_Timeout 命令超时归类为 Timeout
func TestInfo_Timeout(t *testing.T) {
	r := newFakeRunner()
	r.err = context.DeadlineExceeded
	_, err := newDriver(r).Info(context.Background(), "sandbox")
	assert.ErrorIs(t, err, vm.ErrTimeout)
	assert.Equal(t, "timeout", vm.Kind(err))
}

// TestInfo_GarbageOutput 无法解析的输出返回结构化错误
func TestInfo_GarbageOutput(t *testing.T) {
	r := &scriptedRunner{out: Output{Stdout: "\x00\x01 not machine readable"}}
	_, err := newDriver(r).Info(context.Background(), "sandbox")
	assert.ErrorIs(t, err, vm.ErrUnexpectedOutput)
}

// TestInfo_Parse 解析机器可读信息
func TestInfo_Parse(t *testing.T) {
	info, err := newDriver(newFakeRunner("paused")).Info(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.Equal(t, "sandbox", info.Name)
	assert.Equal(t, vm.StatePaused, info.State)
	assert.Equal(t, 4096, info.MemoryMB)
	assert.Equal(t, 2, info.CPUs)
	assert.Equal(t, "clean", info.CurrentSnapshot)
	require.NotNil(t, info.StateChangedAt)
	assert.Equal(t, 2024, info.StateChangedAt.Year())
}

// TestIPAddress 解析 guestproperty 输出
func TestIPAddress(t *testing.T) {
	d := newDriver(&scriptedRunner{out: Output{Stdout: "Value: 192.168.56.101\n"}})
	ip, err := d.IPAddress(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.Equal(t, "192.168.56.101", ip)

	d = newDriver(&scriptedRunner{out: Output{Stdout: "No value set!\n"}})
	ip, err = d.IPAddress(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.Empty(t, ip)

	d = newDriver(&scriptedRunner{out: Output{Stdout: "Value: not-an-ip\n"}})
	_, err = d.IPAddress(context.Background(), "sandbox")
	assert.ErrorIs(t, err, vm.ErrUnexpectedOutput)
}

// TestListRunning 解析运行列表
func TestListRunning(t *testing.T) {
	d := newDriver(&scriptedRunner{out: Output{Stdout: `"sandbox" {5f0c7f9e-3c62-4d2a-9d0d-1a2b3c4d5e6f}
"win 10 x64" {0a1b2c3d-0000-1111-2222-333344445555}
`}})
	machines, err := d.ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, machines, 2)
	assert.Equal(t, "win 10 x64", machines[1].Name)

	d = newDriver(&scriptedRunner{out: Output{Stdout: "garbage line\n"}})
	_, err = d.ListRunning(context.Background())
	assert.ErrorIs(t, err, vm.ErrUnexpectedOutput)
}

// TestRestoreSnapshot_PowersOffFirst 恢复快照前先断电
func TestRestoreSnapshot_PowersOffFirst(t *testing.T) {
	r := newFakeRunner("running", "poweroff")
	res, err := newDriver(r).RestoreSnapshot(context.Background(), "sandbox", "clean")
	require.NoError(t, err)
	assert.True(t, res.Success)

	var order []string
	for _, c := range r.calls {
		if c[0] != "showvminfo" {
			order = append(order, strings.Join(c, " "))
		}
	}
	assert.Equal(t, []string{"controlvm sandbox poweroff", "snapshot sandbox restore clean"}, order)
}

// TestStart_PausedResumes 暂停中的虚拟机启动时改为恢复
func TestStart_PausedResumes(t *testing.T) {
	r := newFakeRunner("paused", "paused", "running")
	_, err := newDriver(r).Start(context.Background(), "sandbox")
	require.NoError(t, err)
	assert.True(t, r.invoked("controlvm sandbox resume"))
	assert.False(t, r.invoked("startvm"))
}

// scriptedRunner 对任意命令返回同一输出
type scriptedRunner struct {
	out Output
}

func (s *scriptedRunner) Run(context.Context, string, ...string) (Output, error) {
	return s.out, nil
}

// TestTakeSnapshot_LiveWhenRunning 运行中的虚拟机使用在线快照
func TestTakeSnapshot_LiveWhenRunning(t *testing.T) {
	r := newFakeRunner("running")
	res, err := newDriver(r).TakeSnapshot(context.Background(), "sandbox", "clean")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, r.invoked("snapshot sandbox take clean --live"))

	r = newFakeRunner("poweroff")
	_, err = newDriver(r).TakeSnapshot(context.Background(), "sandbox", "clean")
	require.NoError(t, err)
	assert.True(t, r.invoked("snapshot sandbox take clean"))
	assert.False(t, r.invoked("snapshot sandbox take clean --live"))

	_, err = newDriver(newFakeRunner()).TakeSnapshot(context.Background(), "sandbox", "")
	assert.ErrorIs(t, err, vm.ErrUnexpectedOutput)
}

func TestScreenshot(t *testing.T) {
	r := newFakeRunner("running")
	res, err := newDriver(r).Screenshot(context.Background(), "sandbox", "/tmp/frame.png")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, r.invoked("controlvm sandbox screenshotpng /tmp/frame.png"))
}
