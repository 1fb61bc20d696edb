package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"sandbox-admin/internal/agent"
	"sandbox-admin/internal/agentclient"
	"sandbox-admin/internal/bundle"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/shared/model"
	"sandbox-admin/pkg/logging"
)

// 流水线步骤
const (
	StepEnsureVM = "ensure_vm"
	StepStage    = "stage"
	StepExecute  = "execute"
	StepObserve  = "observe"
	StepRetrieve = "retrieve"
	StepReport   = "report"
	StepCleanup  = "cleanup"
)

// ReportFileName 报告目录中的分析记录文件
const ReportFileName = "report.json"

// HostFramesDir 报告目录中的 Host 截屏子目录
const HostFramesDir = "host_frames"

// maxErrorLen AnalysisResult.error 的最大字节数
const maxErrorLen = 300

// stepError 带步骤名的失败
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func fail(step string, format string, args ...any) error {
	return &stepError{step: step, err: fmt.Errorf(format, args...)}
}

// pipeline 一次分析的后台流水线
type pipeline struct {
	o     *Orchestrator
	id    string
	spool string
	log   *logging.Logger

	staged    string
	executed  bool
	reportDir string
	frames    []model.Frame
}

func (p *pipeline) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	start := time.Now()

	err := guard(func() error { return p.execute(ctx) })
	if cerr := guard(func() error { p.cleanup(); return nil }); cerr != nil {
		p.log.WithError(cerr).Error("cleanup aborted")
	}

	now := time.Now().UTC()
	final := p.o.update(p.id, func(r *model.AnalysisResult) {
		r.Step = ""
		if err != nil {
			r.Fail(shortError(err), now)
			return
		}
		r.Advance(model.AnalysisStatusComplete, now)
	})
	if final == nil {
		return
	}
	p.writeReport(final)
	p.o.metrics.RecordAnalysis(string(final.Status), time.Since(start))
	if err != nil {
		p.log.WithError(err).Error("analysis failed")
		return
	}
	p.log.Info("analysis complete", "files", final.FilesCollected, "sysmon_events", final.SysmonEvents, "host_frames", final.HostFrames, "duration", time.Since(start).String())
	p.archive(final)
}

func (p *pipeline) execute(ctx context.Context) error {
	a := p.o.Current()
	if a == nil || a.ID != p.id {
		return errors.New("analysis record lost")
	}

	p.reportDir = filepath.Join(p.o.cfg.ReportsDir, p.id)
	if err := os.MkdirAll(p.reportDir, 0o755); err != nil {
		return fail(StepEnsureVM, "create report dir: %v", err)
	}

	p.step(StepEnsureVM)
	if err := p.ensureVM(ctx); err != nil {
		return err
	}

	p.step(StepStage)
	if err := p.stage(a.SampleName); err != nil {
		return err
	}

	p.step(StepExecute)
	if err := p.startAgent(ctx, a.Timeout); err != nil {
		return err
	}

	p.step(StepObserve)
	if err := p.observe(ctx, time.Duration(a.Timeout)*time.Second, a.ScreenshotInterval); err != nil {
		return err
	}

	p.step(StepRetrieve)
	manifest, err := p.retrieve(ctx)
	if err != nil {
		return err
	}

	p.step(StepReport)
	return p.finalize(manifest)
}

// guard 将 panic 转换为错误，保证每条失败路径都落到终态记录
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return fn()
}

func (p *pipeline) step(name string) {
	p.o.update(p.id, func(r *model.AnalysisResult) { r.Step = name })
	p.log.Info("pipeline step", "step", name)
}

// ============================================================================
// 1. 确保 VM 运行并等待 Guest 网络就绪
// ============================================================================

func (p *pipeline) ensureVM(ctx context.Context) error {
	res, err := p.o.vm.Start(ctx, p.o.cfg.VMName)
	if err != nil {
		return &stepError{step: StepEnsureVM, err: fmt.Errorf("start vm %s: %w", p.o.cfg.VMName, err)}
	}
	p.log.Info("vm running", "no_op", res.NoOp, "state", res.State)

	rctx, cancel := context.WithTimeout(ctx, p.o.cfg.ReadinessTimeout)
	defer cancel()
	ticker := time.NewTicker(p.o.cfg.ReadinessInterval)
	defer ticker.Stop()
	for {
		err := p.o.agent.Health(rctx)
		if err == nil {
			return nil
		}
		select {
		case <-rctx.Done():
			if ctx.Err() != nil {
				return &stepError{step: StepEnsureVM, err: ctx.Err()}
			}
			return fail(StepEnsureVM, "agent unreachable after %s: %v", p.o.cfg.ReadinessTimeout, err)
		case <-ticker.C:
		}
	}
}

// ============================================================================
// 2. 投递样本
// ============================================================================

func (p *pipeline) stage(sampleName string) error {
	f, err := os.Open(p.spool)
	if err != nil {
		return fail(StepStage, "open upload: %v", err)
	}
	name, sum, size, err := p.o.channel.StageSample(p.id, sampleName, f)
	f.Close()
	if err != nil {
		return fail(StepStage, "%v", err)
	}
	_ = os.Remove(p.spool)
	p.staged = name
	p.o.update(p.id, func(r *model.AnalysisResult) { r.StagedName = name })
	p.log.Info("sample staged", "name", name, "sha256", sum, "size", size)
	return nil
}

// ============================================================================
// 3. 请求 Agent 执行
// ============================================================================

func (p *pipeline) startAgent(ctx context.Context, timeout int) error {
	acc, err := p.o.agent.Execute(ctx, agent.ExecuteRequest{Filename: p.staged, Timeout: timeout, RunID: p.id})
	switch {
	case errors.Is(err, agentclient.ErrBusy):
		// 409 既可能是运行中，也可能是 error 状态待清理，保留 Agent 的原始说明
		return fail(StepExecute, "agent busy: %v", err)
	case errors.Is(err, agentclient.ErrUnreachable):
		return fail(StepExecute, "agent unreachable: %v", err)
	case err != nil:
		return fail(StepExecute, "%v", err)
	}
	p.executed = true
	bundleName := channel.BundleName(acc.Run.RunID)
	p.o.update(p.id, func(r *model.AnalysisResult) {
		r.Advance(model.AnalysisStatusRunning, time.Now().UTC())
		r.AgentPackage = bundleName
	})
	p.log.Info("agent accepted run", "run_id", acc.Run.RunID)
	return nil
}

// ============================================================================
// 4-5. 轮询 Agent 状态，同时采集 Host 侧截屏
// ============================================================================

// observe 轮询与截屏共享同一个取消信号：轮询结束（无论成败）截屏随之停止
func (p *pipeline) observe(ctx context.Context, timeout time.Duration, screenshotInterval int) error {
	ceiling := timeout + p.o.cfg.CollectionOverhead
	pctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	g, gctx := errgroup.WithContext(pctx)
	frameCtx, stopFrames := context.WithCancel(gctx)
	defer stopFrames()

	g.Go(func() error {
		defer stopFrames()
		return guard(func() error { return p.poll(gctx) })
	})
	if screenshotInterval > 0 {
		g.Go(func() error {
			return guard(func() error {
				p.captureFrames(frameCtx, time.Duration(screenshotInterval)*time.Second)
				return nil
			})
		})
	}

	err := g.Wait()
	p.o.update(p.id, func(r *model.AnalysisResult) { r.HostFrames = len(p.frames) })
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fail(StepObserve, "analysis timed out after %s", ceiling)
	}
	return &stepError{step: StepObserve, err: err}
}

// poll 连续失败次数超过预算才视为 Agent 不可达
func (p *pipeline) poll(ctx context.Context) error {
	ticker := time.NewTicker(p.o.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := time.Now()
		st, err := p.o.agent.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			p.o.metrics.RecordPollFailure()
			p.log.PollLog("", failures, time.Since(start), err)
			if failures >= p.o.cfg.PollFailureBudget {
				return fmt.Errorf("agent unreachable: %d consecutive status failures: %w", failures, err)
			}
			continue
		}
		failures = 0
		p.log.PollLog(string(st.State), 0, time.Since(start), nil)

		switch st.State {
		case model.AgentStateError:
			msg := st.LastError
			if msg == "" {
				msg = "unknown fault"
			}
			return fmt.Errorf("agent error: %s", msg)
		case model.AgentStateIdle:
			if st.LastRun == nil || st.LastRun.RunID != p.id {
				return errors.New("agent returned to idle without finishing the run")
			}
			return nil
		}
	}
}

// captureFrames 立即截取一帧，之后按固定间隔截取；单帧失败只记录日志
func (p *pipeline) captureFrames(ctx context.Context, interval time.Duration) {
	dir := filepath.Join(p.reportDir, HostFramesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.WithError(err).Warn("host frame dir unavailable")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		name := fmt.Sprintf("frame_%04d.png", len(p.frames)+1)
		if _, err := p.o.vm.Screenshot(ctx, p.o.cfg.VMName, filepath.Join(dir, name)); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Debug("host frame capture failed")
		} else {
			p.frames = append(p.frames, model.Frame{
				Path:       HostFramesDir + "/" + name,
				Source:     model.FrameSourceHost,
				CapturedAt: time.Now().UTC(),
			})
			p.o.metrics.RecordHostFrame()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ============================================================================
// 6. 取回并解包结果包
// ============================================================================

func (p *pipeline) retrieve(ctx context.Context) (*model.Manifest, error) {
	name := channel.BundleName(p.id)
	wctx, cancel := context.WithTimeout(ctx, p.o.cfg.BundleWait)
	defer cancel()
	if _, err := p.o.channel.WaitBundle(wctx, name, 200*time.Millisecond); err != nil {
		return nil, fail(StepRetrieve, "result bundle missing: %v", err)
	}

	local := filepath.Join(p.reportDir, name)
	if _, err := p.o.channel.TakeBundle(name, local); err != nil {
		return nil, fail(StepRetrieve, "result bundle transfer failed: %v", err)
	}
	p.setReportDir()

	manifest, files, err := bundle.Unpack(local, p.reportDir, bundle.Options{Password: p.o.cfg.BundlePassword})
	if err != nil {
		return nil, fail(StepRetrieve, "unpack result bundle: %v (%d artifacts kept)", err, len(files))
	}
	p.log.Info("bundle unpacked", "bundle", name, "artifacts", len(files))
	return manifest, nil
}

func (p *pipeline) setReportDir() {
	dir := p.reportDir
	p.o.update(p.id, func(r *model.AnalysisResult) { r.ReportDir = &dir })
}

// ============================================================================
// 7. 写报告、填充计数
// ============================================================================

func (p *pipeline) finalize(m *model.Manifest) error {
	m.Frames = append(m.Frames, p.frames...)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fail(StepReport, "encode manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p.reportDir, model.ManifestFileName), data, 0o644); err != nil {
		return fail(StepReport, "write manifest: %v", err)
	}
	p.o.update(p.id, func(r *model.AnalysisResult) {
		r.SysmonEvents = m.EventCount("sysmon")
		r.FilesCollected = m.ArtifactCount()
		r.HostFrames = len(p.frames)
	})
	return nil
}

// Report report.json 内容
type Report struct {
	Analysis *model.AnalysisResult `json:"analysis"`
	Manifest *model.Manifest       `json:"manifest,omitempty"`
}

// writeReport 终态写入 report.json（失败时同样写入，保留诊断信息）
func (p *pipeline) writeReport(a *model.AnalysisResult) {
	if p.reportDir == "" {
		return
	}
	rep := Report{Analysis: a}
	if data, err := os.ReadFile(filepath.Join(p.reportDir, model.ManifestFileName)); err == nil {
		var m model.Manifest
		if json.Unmarshal(data, &m) == nil {
			rep.Manifest = &m
		}
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(p.reportDir, ReportFileName), data, 0o644)
	}
	if err != nil {
		p.log.WithError(err).Warn("write report failed")
	}
}

func (p *pipeline) archive(a *model.AnalysisResult) {
	if p.o.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	bundlePath := filepath.Join(p.reportDir, a.AgentPackage)
	if _, err := os.Stat(bundlePath); err != nil {
		bundlePath = ""
	}
	keys, err := p.o.archiver.ArchiveReport(ctx, a.ID, bundlePath, filepath.Join(p.reportDir, ReportFileName))
	if err != nil {
		p.log.WithError(err).Warn("report archive failed")
		return
	}
	p.log.Info("report archived", "objects", len(keys))
}

// ============================================================================
// 收尾：尽力清理，失败只记录
// ============================================================================

func (p *pipeline) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), p.o.cfg.CleanupTimeout)
	defer cancel()

	if p.executed {
		if _, err := p.o.agent.Cleanup(ctx); err != nil {
			p.log.WithError(err).Warn("agent cleanup failed")
		}
		// 超时或失败后 Agent 可能仍会发布结果包，不能留给下一次分析
		_ = p.o.channel.RemoveBundle(channel.BundleName(p.id))
	}
	if p.staged != "" {
		if err := p.o.channel.RemoveSample(p.staged); err != nil {
			p.log.WithError(err).Warn("remove staged sample failed")
		}
	}
	_ = os.Remove(p.spool)

	if p.o.cfg.RevertAfter {
		var err error
		if p.o.cfg.Snapshot != "" {
			_, err = p.o.vm.RestoreSnapshot(ctx, p.o.cfg.VMName, p.o.cfg.Snapshot)
		} else {
			_, err = p.o.vm.RestoreCurrentSnapshot(ctx, p.o.cfg.VMName)
		}
		if err != nil {
			p.log.WithError(err).Warn("snapshot revert failed")
		} else {
			p.log.Info("vm reverted", "snapshot", p.o.cfg.Snapshot)
		}
	}
}

// shortError AnalysisResult.error 保持为一行简短诊断
func shortError(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen - 3
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
