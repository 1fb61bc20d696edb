package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-admin/internal/agent"
	"sandbox-admin/internal/agentclient"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/shared/eventbus"
	"sandbox-admin/internal/shared/model"
	"sandbox-admin/internal/vm"
)

// ============================================================================
// 测试替身
// ============================================================================

// fakeVM 只记录调用，截屏写入一个小文件
type fakeVM struct {
	mu          sync.Mutex
	calls       []string
	state       vm.State
	startErr    error
	screenshots int
	framePanic  bool
}

func newFakeVM() *fakeVM { return &fakeVM{state: vm.StatePoweredOff} }

func (f *fakeVM) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVM) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeVM) result(state vm.State) *vm.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	return &vm.Result{Success: true, State: state}
}

func (f *fakeVM) Name() string { return "fake" }

func (f *fakeVM) Start(context.Context, string) (*vm.Result, error) {
	f.record("start")
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.result(vm.StateRunning), nil
}

func (f *fakeVM) PowerOff(context.Context, string) (*vm.Result, error) {
	f.record("poweroff")
	return f.result(vm.StatePoweredOff), nil
}

func (f *fakeVM) Pause(context.Context, string) (*vm.Result, error) {
	f.record("pause")
	return f.result(vm.StatePaused), nil
}

func (f *fakeVM) Resume(context.Context, string) (*vm.Result, error) {
	f.record("resume")
	return f.result(vm.StateRunning), nil
}

func (f *fakeVM) Reset(context.Context, string) (*vm.Result, error) {
	f.record("reset")
	return f.result(vm.StateRunning), nil
}

func (f *fakeVM) SaveState(context.Context, string) (*vm.Result, error) {
	f.record("savestate")
	return f.result(vm.StateSaved), nil
}

func (f *fakeVM) Shutdown(context.Context, string) (*vm.Result, error) {
	f.record("shutdown")
	return f.result(vm.StatePoweredOff), nil
}

func (f *fakeVM) TakeSnapshot(_ context.Context, _, snap string) (*vm.Result, error) {
	f.record("snapshot:" + snap)
	return &vm.Result{Success: true}, nil
}

func (f *fakeVM) RestoreSnapshot(_ context.Context, _, snap string) (*vm.Result, error) {
	f.record("restore:" + snap)
	return f.result(vm.StatePoweredOff), nil
}

func (f *fakeVM) RestoreCurrentSnapshot(context.Context, string) (*vm.Result, error) {
	f.record("restore-current")
	return f.result(vm.StatePoweredOff), nil
}

func (f *fakeVM) Info(_ context.Context, name string) (*vm.Info, error) {
	if name != "sandbox" {
		return nil, &vm.OpError{Op: "showvminfo", VM: name, Err: vm.ErrNotFound}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &vm.Info{Name: name, State: f.state}, nil
}

func (f *fakeVM) IPAddress(context.Context, string) (string, error) { return "192.168.56.101", nil }

func (f *fakeVM) ListRunning(context.Context) ([]vm.Machine, error) {
	return []vm.Machine{{Name: "sandbox", UUID: "b7e1c6a2-0000-4000-8000-000000000001"}}, nil
}

func (f *fakeVM) Screenshot(_ context.Context, _, path string) (*vm.Result, error) {
	f.mu.Lock()
	f.screenshots++
	panicky := f.framePanic
	f.mu.Unlock()
	if panicky {
		panic("display capture crashed")
	}
	if err := os.WriteFile(path, []byte("\x89PNG frame"), 0o644); err != nil {
		return nil, err
	}
	return &vm.Result{Success: true}, nil
}

// fakeAgent 可编排的 Agent 客户端
type fakeAgent struct {
	mu         sync.Mutex
	healthErr  error
	executeErr error
	status     func(runID string) (*model.AgentStatus, error)
	runID      string
	cleanups   int
}

func (f *fakeAgent) Health(context.Context) error { return f.healthErr }

func (f *fakeAgent) Status(context.Context) (*model.AgentStatus, error) {
	f.mu.Lock()
	runID := f.runID
	f.mu.Unlock()
	return f.status(runID)
}

func (f *fakeAgent) Collectors(context.Context) ([]model.CollectorDescriptor, error) {
	return []model.CollectorDescriptor{{Name: "sysmon", Available: true}}, nil
}

func (f *fakeAgent) Artifacts(context.Context) ([]agent.Artifact, error) {
	return []agent.Artifact{}, nil
}

func (f *fakeAgent) Execute(_ context.Context, req agent.ExecuteRequest) (*agentclient.Accepted, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	f.mu.Lock()
	f.runID = req.RunID
	f.mu.Unlock()
	return &agentclient.Accepted{Accepted: true, Run: model.RunInfo{RunID: req.RunID, Mode: model.RunModeExecute}}, nil
}

func (f *fakeAgent) Cleanup(context.Context) (*agent.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return &agent.CleanupResult{}, nil
}

func (f *fakeAgent) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

func stuckIn(state model.AgentState) func(string) (*model.AgentStatus, error) {
	return func(string) (*model.AgentStatus, error) {
		return &model.AgentStatus{State: state}, nil
	}
}

func testConfig(t *testing.T) Config {
	return Config{
		VMName:             "sandbox",
		ReportsDir:         filepath.Join(t.TempDir(), "reports"),
		PollInterval:       20 * time.Millisecond,
		PollFailureBudget:  3,
		CollectionOverhead: 10 * time.Second,
		ReadinessTimeout:   5 * time.Second,
		ReadinessInterval:  20 * time.Millisecond,
		BundleWait:         5 * time.Second,
		CleanupTimeout:     5 * time.Second,
		MaxTimeout:         time.Minute,
		MaxSampleSize:      1 << 20,
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, api AgentAPI, opts ...Option) (*Orchestrator, *fakeVM, *channel.Channel) {
	t.Helper()
	ch, err := channel.New(t.TempDir())
	require.NoError(t, err)
	fvm := newFakeVM()
	o, err := New(cfg, fvm, api, ch, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o, fvm, ch
}

func submit(t *testing.T, o *Orchestrator, timeout, interval int) *model.AnalysisResult {
	t.Helper()
	a, err := o.Submit(SubmitRequest{Filename: "invoice.exe", Sample: strings.NewReader("MZ sample"), Timeout: timeout, ScreenshotInterval: interval})
	require.NoError(t, err)
	return a
}

func waitDone(t *testing.T, o *Orchestrator) *model.AnalysisResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
	a := o.Current()
	require.NotNil(t, a)
	require.True(t, a.Status.IsTerminal(), "status %s", a.Status)
	return a
}

// ============================================================================
// 失败路径
// ============================================================================

func TestOrchestrator_SubmitValidation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t), &fakeAgent{status: stuckIn(model.AgentStateIdle)})

	_, err := o.Submit(SubmitRequest{Filename: " ", Sample: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = o.Submit(SubmitRequest{Filename: "a.exe", Sample: strings.NewReader("x"), Timeout: -1})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = o.Submit(SubmitRequest{Filename: "a.exe", Sample: strings.NewReader("x"), Timeout: 3600})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	// 超大秒数换算为 Duration 会溢出为负值
	_, err = o.Submit(SubmitRequest{Filename: "a.exe", Sample: strings.NewReader("x"), Timeout: 9223372037})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = o.Submit(SubmitRequest{Filename: "a.exe", Sample: strings.NewReader("x"), Timeout: 5, ScreenshotInterval: 9223372037})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = o.Submit(SubmitRequest{Filename: "a.exe", Sample: strings.NewReader("x"), Timeout: 5, ScreenshotInterval: 61})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	big := strings.NewReader(strings.Repeat("A", (1<<20)+1))
	_, err = o.Submit(SubmitRequest{Filename: "a.exe", Sample: big})
	assert.ErrorIs(t, err, ErrInvalidSubmission)

	assert.Nil(t, o.Current())
	entries, _ := os.ReadDir(filepath.Join(o.cfg.ReportsDir, ".uploads"))
	assert.Empty(t, entries)
}

func TestOrchestrator_Conflict(t *testing.T) {
	api := &fakeAgent{status: stuckIn(model.AgentStateExecuting)}
	o, _, _ := newTestOrchestrator(t, testConfig(t), api)

	first := submit(t, o, 30, 0)
	assert.Equal(t, model.AnalysisStatusPending, first.Status)

	_, err := o.Submit(SubmitRequest{Filename: "b.exe", Sample: strings.NewReader("x")})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = o.Cleanup(context.Background())
	assert.ErrorIs(t, err, ErrConflict)

	require.Eventually(t, func() bool {
		return o.Current().Status == model.AnalysisStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	// 关闭中止分析，结果仍为终态
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, o.Close(ctx))
	a := o.Current()
	assert.Equal(t, model.AnalysisStatusFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Equal(t, 1, api.cleanupCount())
}

func TestOrchestrator_AgentNeverReady(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadinessTimeout = 200 * time.Millisecond
	api := &fakeAgent{healthErr: agentclient.ErrUnreachable, status: stuckIn(model.AgentStateIdle)}
	o, fvm, ch := newTestOrchestrator(t, cfg, api)

	submit(t, o, 5, 0)
	a := waitDone(t, o)

	assert.Equal(t, model.AnalysisStatusFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "agent unreachable")
	assert.True(t, fvm.called("start"))
	assert.Zero(t, api.cleanupCount())

	samples, _ := os.ReadDir(ch.SamplesPath())
	assert.Empty(t, samples)
}

func TestOrchestrator_VMStartFailure(t *testing.T) {
	o, fvm, _ := newTestOrchestrator(t, testConfig(t), &fakeAgent{status: stuckIn(model.AgentStateIdle)})
	fvm.startErr = &vm.OpError{Op: "startvm", VM: "sandbox", Err: vm.ErrUnreachable}

	submit(t, o, 5, 0)
	a := waitDone(t, o)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "hypervisor unreachable")
	assert.Equal(t, StepEnsureVM, strings.SplitN(*a.Error, ":", 2)[0])
}

func TestOrchestrator_AgentBusyOnExecute(t *testing.T) {
	api := &fakeAgent{executeErr: fmt.Errorf("execute: agent state is error, cleanup required: %w", agentclient.ErrBusy), status: stuckIn(model.AgentStateIdle)}
	o, _, ch := newTestOrchestrator(t, testConfig(t), api)

	submit(t, o, 5, 0)
	a := waitDone(t, o)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "agent busy")
	assert.Contains(t, *a.Error, "cleanup required", "Agent 的原始说明需要保留")

	// 未受理的执行不触发 Agent 清理，但投递的样本被移除
	assert.Zero(t, api.cleanupCount())
	samples, _ := os.ReadDir(ch.SamplesPath())
	assert.Empty(t, samples)
}

func TestOrchestrator_PollFailureBudget(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	api := &fakeAgent{status: func(string) (*model.AgentStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// 单次失败被吞掉，连续失败才终止
		if calls == 2 {
			return &model.AgentStatus{State: model.AgentStateExecuting}, nil
		}
		return nil, agentclient.ErrUnreachable
	}}
	metrics := NewMetrics("sandbox_orch_budget_test", nil)
	o, _, _ := newTestOrchestrator(t, testConfig(t), api, WithMetrics(metrics))

	submit(t, o, 30, 0)
	a := waitDone(t, o)

	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "3 consecutive status failures")
	mu.Lock()
	assert.Equal(t, 5, calls)
	mu.Unlock()
	assert.Equal(t, 1, api.cleanupCount())
}

func TestOrchestrator_Ceiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.CollectionOverhead = 200 * time.Millisecond
	api := &fakeAgent{status: stuckIn(model.AgentStateCollecting)}
	o, _, _ := newTestOrchestrator(t, cfg, api)

	start := time.Now()
	submit(t, o, 1, 0)
	a := waitDone(t, o)

	assert.GreaterOrEqual(t, time.Since(start), 1200*time.Millisecond)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "timed out after 1.2s")
	assert.Equal(t, 1, api.cleanupCount())
}

func TestOrchestrator_AgentErrorState(t *testing.T) {
	api := &fakeAgent{status: func(string) (*model.AgentStatus, error) {
		return &model.AgentStatus{State: model.AgentStateError, LastError: "publish bundle: disk full"}, nil
	}}
	o, _, _ := newTestOrchestrator(t, testConfig(t), api)

	submit(t, o, 5, 0)
	a := waitDone(t, o)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "agent error: publish bundle: disk full")
}

func TestOrchestrator_IdleWithoutRun(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig(t), &fakeAgent{status: stuckIn(model.AgentStateIdle)})

	submit(t, o, 5, 0)
	a := waitDone(t, o)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "without finishing the run")
}

func TestOrchestrator_BundleMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.BundleWait = 200 * time.Millisecond
	api := &fakeAgent{status: func(runID string) (*model.AgentStatus, error) {
		return &model.AgentStatus{State: model.AgentStateIdle, LastRun: &model.RunInfo{RunID: runID}}, nil
	}}
	bus := eventbus.NewMemoryEventBus()
	o, _, _ := newTestOrchestrator(t, cfg, api, WithEventBus(bus))

	a0 := submit(t, o, 5, 0)
	a := waitDone(t, o)
	assert.Equal(t, model.AnalysisStatusFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "result bundle missing")
	assert.Nil(t, a.ReportDir)

	events, err := bus.GetAnalysisEvents(context.Background(), a0.ID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "failed", last.Data["status"])
	assert.Equal(t, eventbus.EventStatus, last.Type)

	// 步骤推进以 step 事件发布
	var steps []string
	for _, ev := range events {
		if ev.Type == eventbus.EventStep {
			steps = append(steps, ev.Data["step"].(string))
		}
	}
	assert.Equal(t, []string{StepEnsureVM, StepStage, StepExecute, StepObserve, StepRetrieve}, steps)
}

// ============================================================================
// 手动清理
// ============================================================================

func TestOrchestrator_CleanupIdle(t *testing.T) {
	api := &fakeAgent{status: stuckIn(model.AgentStateIdle)}
	o, _, ch := newTestOrchestrator(t, testConfig(t), api)

	_, _, _, err := ch.StageSample("deadbeef-0000", "left.exe", strings.NewReader("x"))
	require.NoError(t, err)

	res, err := o.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChannelRemoved)
	assert.NotNil(t, res.Agent)
	assert.Equal(t, 1, api.cleanupCount())
}

func TestOrchestrator_CheckVM(t *testing.T) {
	api := &fakeAgent{status: stuckIn(model.AgentStateIdle)}
	o, fvm, _ := newTestOrchestrator(t, testConfig(t), api)

	res := o.CheckVM(context.Background())
	assert.False(t, res.Ready)
	assert.Equal(t, vm.StatePoweredOff, res.VMState)

	_, err := fvm.Start(context.Background(), "sandbox")
	require.NoError(t, err)
	res = o.CheckVM(context.Background())
	assert.True(t, res.Ready)
	assert.True(t, res.AgentReachable)
	require.Len(t, res.Collectors, 1)

	api.status = func(string) (*model.AgentStatus, error) { return nil, agentclient.ErrUnreachable }
	res = o.CheckVM(context.Background())
	assert.False(t, res.Ready)
	assert.False(t, res.AgentReachable)
	assert.NotEmpty(t, res.AgentError)
}

// TestOrchestrator_PanicBecomesFailure 流水线内的 panic 落为失败记录，清理照常执行
func TestOrchestrator_PanicBecomesFailure(t *testing.T) {
	api := &fakeAgent{status: stuckIn(model.AgentStateExecuting)}
	o, fvm, _ := newTestOrchestrator(t, testConfig(t), api)
	fvm.framePanic = true

	submit(t, o, 5, 1)
	a := waitDone(t, o)

	assert.Equal(t, model.AnalysisStatusFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Contains(t, *a.Error, "pipeline panic: display capture crashed")
	assert.Equal(t, 1, api.cleanupCount())
}

func TestShortError(t *testing.T) {
	assert.Equal(t, "short", shortError(errors.New("short")))

	long := shortError(errors.New(strings.Repeat("a", 400)))
	assert.Len(t, long, maxErrorLen)
	assert.True(t, strings.HasSuffix(long, "..."))

	// 截断不拆分多字节字符
	msg := strings.Repeat("a", 296) + strings.Repeat("虚", 10)
	got := shortError(errors.New(msg))
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxErrorLen)
	assert.Equal(t, strings.Repeat("a", 296)+"...", got)
}
