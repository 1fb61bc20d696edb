package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-admin/internal/agent/collector"
	"sandbox-admin/internal/bundle"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/shared/model"
)

// fakeLauncher 不启动任何进程
type fakeLauncher struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (f *fakeLauncher) Name() string { return "fake" }

func (f *fakeLauncher) Launch(_ context.Context, path, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if f.err != nil {
		return 0, f.err
	}
	return 4242, nil
}

// fileCollector 写一个文件并返回 ok
type fileCollector struct {
	name    string
	collect func(rc *collector.RunContext) error
}

func (c *fileCollector) Name() string                   { return c.name }
func (c *fileCollector) Description() string            { return "test collector " + c.name }
func (c *fileCollector) Available(context.Context) bool { return true }
func (c *fileCollector) Collect(_ context.Context, rc *collector.RunContext) (*collector.Result, error) {
	if c.collect != nil {
		if err := c.collect(rc); err != nil {
			return nil, err
		}
	}
	dir, err := rc.Dir(c.name)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte(rc.RunID), 0o644); err != nil {
		return nil, err
	}
	return &collector.Result{Status: model.CollectorStatusOK, Artifacts: []string{c.name + "/out.txt"}, Events: 3}, nil
}

// missingCollector 模拟依赖的记录器不存在
type missingCollector struct{ name string }

func (c *missingCollector) Name() string                   { return c.name }
func (c *missingCollector) Description() string            { return "missing " + c.name }
func (c *missingCollector) Available(context.Context) bool { return false }
func (c *missingCollector) Collect(context.Context, *collector.RunContext) (*collector.Result, error) {
	return nil, errors.New("must not run")
}

// transitionTrace 记录状态变更
type transitionTrace struct {
	mu     sync.Mutex
	states []model.AgentState
	at     map[model.AgentState]time.Time
}

func (tr *transitionTrace) hook(_, to model.AgentState) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states = append(tr.states, to)
	if tr.at == nil {
		tr.at = make(map[model.AgentState]time.Time)
	}
	if _, ok := tr.at[to]; !ok {
		tr.at[to] = time.Now()
	}
}

func (tr *transitionTrace) snapshot() []model.AgentState {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]model.AgentState(nil), tr.states...)
}

func (tr *transitionTrace) time(s model.AgentState) time.Time {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.at[s]
}

type fixture struct {
	agent    *Agent
	channel  *channel.Channel
	launcher *fakeLauncher
	trace    *transitionTrace
}

func newFixture(t *testing.T, collectors []collector.Collector, opts ...Option) *fixture {
	t.Helper()
	ch, err := channel.New(t.TempDir())
	require.NoError(t, err)

	reg := collector.NewRegistry(5 * time.Second)
	for _, c := range collectors {
		require.NoError(t, reg.Register(c))
	}

	f := &fixture{channel: ch, launcher: &fakeLauncher{}, trace: &transitionTrace{}}
	all := append([]Option{WithLauncher(f.launcher), WithTransitionHook(f.trace.hook)}, opts...)
	a, err := New(Config{AgentID: "agent-test", WorkDir: t.TempDir(), MaxTimeout: time.Minute}, ch, reg, all...)
	require.NoError(t, err)
	f.agent = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

func (f *fixture) stage(t *testing.T, name string) string {
	t.Helper()
	staged, _, _, err := f.channel.StageSample("0f3c9a1e-5b7d-4c2e-9a61-2f8e4d1b7c90", name, strings.NewReader(""))
	require.NoError(t, err)
	return staged
}

func (f *fixture) waitState(t *testing.T, state model.AgentState) model.AgentStatus {
	t.Helper()
	var st model.AgentStatus
	require.Eventually(t, func() bool {
		st = f.agent.Status()
		return st.State == state
	}, 10*time.Second, 20*time.Millisecond, "agent never reached %s", state)
	return st
}

func defaultCollectors() []collector.Collector {
	return []collector.Collector{&fileCollector{name: "sysmon"}, &missingCollector{name: "pcap"}}
}

// TestAgent_ExecuteLifecycle 成功运行严格经过 executing 与 collecting
func TestAgent_ExecuteLifecycle(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	name := f.stage(t, "x.exe")

	run, err := f.agent.Execute(ExecuteRequest{Filename: name, Timeout: 1, RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, model.RunModeExecute, run.Mode)

	st := f.agent.Status()
	assert.True(t, st.State.IsBusy())
	require.NotNil(t, st.CurrentSample)
	assert.Equal(t, name, *st.CurrentSample)

	st = f.waitState(t, model.AgentStateIdle)
	assert.Equal(t,
		[]model.AgentState{model.AgentStateExecuting, model.AgentStateCollecting, model.AgentStateIdle},
		f.trace.snapshot())
	assert.Nil(t, st.CurrentSample)
	assert.Nil(t, st.CurrentRun)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, channel.BundleName("run-1"), st.LastRun.Bundle)
	assert.Equal(t, "ok", st.LastRun.Outcome)

	// 样本从执行目录复制到私有运行目录后启动
	require.Len(t, f.launcher.paths, 1)
	assert.Equal(t, name, filepath.Base(f.launcher.paths[0]))
	assert.NotEqual(t, f.channel.SamplesPath(), filepath.Dir(f.launcher.paths[0]))

	// 结果包已发布且带哨兵
	_, err = f.channel.FindBundle(st.LastRun.Bundle)
	require.NoError(t, err)
	dst := filepath.Join(t.TempDir(), "bundle.zip")
	_, err = f.channel.TakeBundle(st.LastRun.Bundle, dst)
	require.NoError(t, err)

	manifest, files, err := bundle.Unpack(dst, t.TempDir(), bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, "run-1", manifest.RunID)
	assert.Equal(t, "agent-test", manifest.AgentID)
	require.NotNil(t, manifest.Execution)
	assert.True(t, manifest.Execution.Launched)
	assert.Equal(t, 4242, manifest.Execution.PID)
	assert.Equal(t, 3, manifest.EventCount("sysmon"))
	pcap, ok := manifest.Outcome("pcap")
	require.True(t, ok)
	assert.Equal(t, model.CollectorStatusUnavailable, pcap.Status)
	assert.Contains(t, files, "sysmon/out.txt")

	arts, err := f.agent.Artifacts()
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "sysmon/out.txt", arts[0].Path)
	assert.Equal(t, int64(len("run-1")), arts[0].Size)
}

// TestAgent_TimeoutBoundary 超时到期即进入 collecting，不等待样本进程退出
func TestAgent_TimeoutBoundary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1)")
	}
	f := newFixture(t, defaultCollectors())
	sleeper, err := NewLauncher("sleep 30")
	require.NoError(t, err)
	f.agent.launcher = sleeper
	name := f.stage(t, "x.exe")

	start := time.Now()
	_, err = f.agent.Execute(ExecuteRequest{Filename: name, Timeout: 1})
	require.NoError(t, err)

	f.waitState(t, model.AgentStateIdle)
	elapsed := f.trace.time(model.AgentStateCollecting).Sub(start)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

// TestAgent_Busy 忙碌时拒绝而不是排队
func TestAgent_Busy(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	name := f.stage(t, "x.exe")

	_, err := f.agent.Execute(ExecuteRequest{Filename: name, Timeout: 1})
	require.NoError(t, err)

	_, err = f.agent.Execute(ExecuteRequest{Filename: name, Timeout: 1})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.agent.Collect("")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.agent.Cleanup()
	assert.ErrorIs(t, err, ErrNotIdle)

	f.waitState(t, model.AgentStateIdle)
	assert.Len(t, f.launcher.paths, 1)
}

func TestAgent_ExecuteValidation(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	name := f.stage(t, "x.exe")

	tests := []struct {
		name string
		req  ExecuteRequest
		want error
	}{
		{"empty filename", ExecuteRequest{}, ErrInvalidRequest},
		{"missing sample", ExecuteRequest{Filename: "nope.exe"}, ErrSampleNotFound},
		{"traversal", ExecuteRequest{Filename: "../etc/passwd"}, ErrInvalidRequest},
		{"negative timeout", ExecuteRequest{Filename: name, Timeout: -1}, ErrInvalidRequest},
		{"timeout over max", ExecuteRequest{Filename: name, Timeout: 3600}, ErrInvalidRequest},
		{"timeout overflows duration", ExecuteRequest{Filename: name, Timeout: 9223372037}, ErrInvalidRequest},
		{"bad run id", ExecuteRequest{Filename: name, RunID: "../x"}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.agent.Execute(tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, model.AgentStateIdle, f.agent.Status().State)
	assert.Empty(t, f.trace.snapshot())
}

// TestAgent_LaunchFailure 启动失败只记录在清单中，采集照常进行
func TestAgent_LaunchFailure(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	f.launcher.err = errors.New("blocked by policy")
	name := f.stage(t, "x.exe")

	_, err := f.agent.Execute(ExecuteRequest{Filename: name, Timeout: 30, RunID: "run-lf"})
	require.NoError(t, err)

	st := f.waitState(t, model.AgentStateIdle)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "launch_failed", st.LastRun.Outcome)

	dst := filepath.Join(t.TempDir(), "b.zip")
	_, err = f.channel.TakeBundle(st.LastRun.Bundle, dst)
	require.NoError(t, err)
	manifest, _, err := bundle.Unpack(dst, t.TempDir(), bundle.Options{})
	require.NoError(t, err)
	assert.False(t, manifest.Execution.Launched)
	assert.Equal(t, "blocked by policy", manifest.Execution.Error)
}

func TestAgent_Collect(t *testing.T) {
	f := newFixture(t, defaultCollectors())

	run, err := f.agent.Collect("")
	require.NoError(t, err)
	assert.Equal(t, model.RunModeCollect, run.Mode)
	assert.NotEmpty(t, run.RunID)

	st := f.waitState(t, model.AgentStateIdle)
	assert.Equal(t, []model.AgentState{model.AgentStateCollecting, model.AgentStateIdle}, f.trace.snapshot())
	assert.Empty(t, f.launcher.paths)

	dst := filepath.Join(t.TempDir(), "b.zip")
	_, err = f.channel.TakeBundle(st.LastRun.Bundle, dst)
	require.NoError(t, err)
	manifest, _, err := bundle.Unpack(dst, t.TempDir(), bundle.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunModeCollect, manifest.Mode)
	assert.Nil(t, manifest.Execution)
}

// TestAgent_CleanupIdempotent 第二次清理是空操作
func TestAgent_CleanupIdempotent(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	_, err := f.agent.Collect("run-c")
	require.NoError(t, err)
	f.waitState(t, model.AgentStateIdle)

	first, err := f.agent.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, first.RemovedRuns)
	assert.Equal(t, 1, first.RemovedBundles)
	assert.False(t, first.WasError)

	_, err = f.channel.FindBundle(channel.BundleName("run-c"))
	assert.ErrorIs(t, err, channel.ErrBundleNotReady)

	second, err := f.agent.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, &CleanupResult{}, second)

	arts, err := f.agent.Artifacts()
	require.NoError(t, err)
	assert.Empty(t, arts)
}

// TestAgent_ErrorAndRecovery 工作协程故障进入 error，cleanup 回到 idle
func TestAgent_ErrorAndRecovery(t *testing.T) {
	var ch *channel.Channel
	breaker := &fileCollector{name: "sysmon", collect: func(*collector.RunContext) error {
		// 结果目录消失，发布必然失败
		return os.RemoveAll(ch.ResultsPath())
	}}
	f := newFixture(t, []collector.Collector{breaker})
	ch = f.channel

	_, err := f.agent.Collect("run-e")
	require.NoError(t, err)

	st := f.waitState(t, model.AgentStateError)
	assert.Contains(t, st.LastError, "publish bundle")
	require.NotNil(t, st.LastRun)
	assert.Equal(t, "error", st.LastRun.Outcome)

	_, err = f.agent.Collect("")
	assert.ErrorIs(t, err, ErrBusy)

	res, err := f.agent.Cleanup()
	require.NoError(t, err)
	assert.True(t, res.WasError)
	st = f.agent.Status()
	assert.Equal(t, model.AgentStateIdle, st.State)
	assert.Empty(t, st.LastError)
	assert.Equal(t,
		[]model.AgentState{model.AgentStateCollecting, model.AgentStateError, model.AgentStateIdle},
		f.trace.snapshot())
}

// TestAgent_ShutdownInterruptsObservation 关闭缩短观察窗口，结果包仍被发布
func TestAgent_ShutdownInterruptsObservation(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	name := f.stage(t, "x.exe")

	_, err := f.agent.Execute(ExecuteRequest{Filename: name, Timeout: 30, RunID: "run-s"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.agent.Shutdown(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)

	select {
	case <-f.agent.Done():
	default:
		t.Fatal("done channel not closed")
	}
	_, err = f.channel.FindBundle(channel.BundleName("run-s"))
	assert.NoError(t, err)

	_, err = f.agent.Collect("")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestAgent_Collectors(t *testing.T) {
	f := newFixture(t, defaultCollectors())
	desc := f.agent.Collectors(context.Background())
	require.Len(t, desc, 2)
	assert.Equal(t, "sysmon", desc[0].Name)
	assert.True(t, desc[0].Available)
	assert.Equal(t, "pcap", desc[1].Name)
	assert.False(t, desc[1].Available)
}
