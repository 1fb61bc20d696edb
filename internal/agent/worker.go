package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"sandbox-admin/internal/agent/collector"
	"sandbox-admin/internal/bundle"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/shared/model"
	"sandbox-admin/pkg/logging"
)

// worker 一次运行的后台工作协程
//
// 执行顺序：清理旧运行 → 准备采集器 → 启动样本 → 等待观察窗口
// → collecting → 逐个采集 → 打包 → 发布到共享目录 → idle。
type worker struct {
	agent      *Agent
	run        model.RunInfo
	samplePath string
	timeout    time.Duration
}

func (w *worker) start(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	a := w.agent
	log := a.log.WithRunID(w.run.RunID)
	runDir := filepath.Join(a.cfg.WorkDir, w.run.RunID)
	artifactsDir := filepath.Join(runDir, "artifacts")
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("worker panic: %v", p)
			log.WithError(err).Error("run failed")
			a.fail(w.run, artifactsDir, err)
			a.metrics.RecordRun(w.run.Mode, "error", time.Since(start))
		}
	}()

	if err := w.execute(ctx, runDir, artifactsDir, log); err != nil {
		log.WithError(err).Error("run failed")
		a.fail(w.run, artifactsDir, err)
		a.metrics.RecordRun(w.run.Mode, "error", time.Since(start))
		return
	}
	a.metrics.RecordRun(w.run.Mode, w.run.Outcome, time.Since(start))
}

func (w *worker) execute(ctx context.Context, runDir, artifactsDir string, log *logging.Logger) error {
	a := w.agent

	if err := w.clearPrevious(runDir); err != nil {
		return fmt.Errorf("clear previous runs: %w", err)
	}
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}

	st := a.Status()
	manifest := &model.Manifest{
		RunID:        w.run.RunID,
		Mode:         w.run.Mode,
		Sample:       w.run.Sample,
		Timeout:      w.run.Timeout,
		AgentID:      st.AgentID,
		AgentVersion: st.Version,
		Hostname:     st.Hostname,
		StartedAt:    time.Now().UTC(),
	}
	rc := &collector.RunContext{
		RunID:        w.run.RunID,
		Mode:         w.run.Mode,
		Since:        manifest.StartedAt,
		ArtifactsDir: artifactsDir,
		Log:          log,
	}
	a.registry.PrepareAll(ctx, rc)

	if w.run.Mode == model.RunModeExecute {
		rec := w.launch(ctx, runDir, rc, log)
		manifest.Execution = rec
		if rec.Launched {
			w.observe(ctx, log)
		}
		if err := a.transition(model.AgentStateCollecting); err != nil {
			return err
		}
	}

	// 关闭请求只缩短观察窗口，采集与发布照常完成
	collectCtx := context.WithoutCancel(ctx)
	outcomes, frames := a.registry.RunAll(collectCtx, rc)
	manifest.Collectors = outcomes
	manifest.Frames = frames
	manifest.FinishedAt = time.Now().UTC()
	for _, o := range outcomes {
		a.metrics.RecordCollector(o.Name, string(o.Status))
	}

	name := channel.BundleName(w.run.RunID)
	local := filepath.Join(runDir, name)
	n, err := bundle.PackFile(local, artifactsDir, manifest, bundle.Options{Password: a.cfg.BundlePassword})
	if err != nil {
		return fmt.Errorf("package bundle: %w", err)
	}
	if _, err := a.channel.PublishBundleFile(name, local); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	_ = os.Remove(local)

	w.run.Bundle = name
	w.run.Outcome = manifest.Summary()
	log.Info("run complete", "bundle", name, "artifacts", n, "outcome", w.run.Outcome)
	return a.finish(w.run, artifactsDir)
}

// launch 将样本复制到运行目录后启动；启动失败只记录，不中断采集
func (w *worker) launch(ctx context.Context, runDir string, rc *collector.RunContext, log *logging.Logger) *model.ExecutionRecord {
	rec := &model.ExecutionRecord{Launcher: w.agent.launcher.Name()}

	target := filepath.Join(runDir, "sample", filepath.Base(w.samplePath))
	if err := copySample(w.samplePath, target); err != nil {
		rec.Error = fmt.Sprintf("copy sample: %v", err)
		log.Warn("sample copy failed", "error", err)
		return rec
	}
	rc.Sample = target

	pid, err := w.agent.launcher.Launch(ctx, target, filepath.Dir(target))
	if err != nil {
		rec.Error = err.Error()
		log.Warn("sample launch failed", "error", err)
		return rec
	}
	rec.Launched = true
	rec.PID = pid
	rc.PID = pid
	log.Info("sample launched", "launcher", rec.Launcher, "pid", pid)
	return rec
}

// observe 等待完整的观察窗口（关闭请求可提前结束）
func (w *worker) observe(ctx context.Context, log *logging.Logger) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		log.Warn("observation window interrupted", "reason", ctx.Err())
	}
}

// clearPrevious 删除工作目录中除当前运行外的所有运行目录
func (w *worker) clearPrevious(keep string) error {
	entries, err := os.ReadDir(w.agent.cfg.WorkDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(w.agent.cfg.WorkDir, e.Name())
		if p == keep {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

func copySample(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
