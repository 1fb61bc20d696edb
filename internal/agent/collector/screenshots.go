package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sandbox-admin/internal/shared/model"
)

// DefaultScreenshotCommand Guest 内截屏命令（PowerShell 脚本随 Agent 部署）
const DefaultScreenshotCommand = `powershell -NoProfile -NonInteractive -ExecutionPolicy Bypass -File screenshot.ps1 {output}`

// Screenshots 运行窗口内周期截屏
type Screenshots struct {
	tmpl     *Template
	interval time.Duration
	run      CommandFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	dir    string
	seq    int
	frames []model.Frame
	errs   int
}

// NewScreenshots 创建截屏采集器
func NewScreenshots(command string, interval time.Duration, run CommandFunc) (*Screenshots, error) {
	tmpl, err := ParseTemplate(firstNonEmpty(command, DefaultScreenshotCommand))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Screenshots{tmpl: tmpl, interval: interval, run: orExec(run)}, nil
}

func (s *Screenshots) Name() string        { return "screenshots" }
func (s *Screenshots) Description() string { return "Periodic in-guest desktop screenshots" }

func (s *Screenshots) Available(context.Context) bool { return LookPath(s.tmpl.Binary()) }

// Prepare 启动截屏循环
func (s *Screenshots) Prepare(_ context.Context, rc *RunContext) error {
	dir, err := rc.Dir(s.Name())
	if err != nil {
		return err
	}
	s.stopLoop()

	s.mu.Lock()
	s.dir, s.seq, s.frames, s.errs = dir, 0, nil, 0
	// 截屏循环跨越请求上下文，由 Collect 停止
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.capture(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Collect 停止循环，补拍一帧，返回所有帧
func (s *Screenshots) Collect(ctx context.Context, rc *RunContext) (*Result, error) {
	s.stopLoop()

	s.mu.Lock()
	if s.dir == "" {
		dir, err := rc.Dir(s.Name())
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.dir = dir
	}
	s.mu.Unlock()
	s.capture(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames
	errs := s.errs
	s.frames, s.dir = nil, ""

	if len(frames) == 0 {
		if errs > 0 {
			return nil, fmt.Errorf("all %d screenshot attempts failed", errs)
		}
		return NoData(), nil
	}
	res := &Result{Status: model.CollectorStatusOK, Frames: make([]model.Frame, 0, len(frames))}
	for _, f := range frames {
		rel := rc.Rel(f.Path)
		res.Artifacts = append(res.Artifacts, rel)
		res.Frames = append(res.Frames, model.Frame{Path: rel, Source: model.FrameSourceGuest, CapturedAt: f.CapturedAt})
	}
	return res, nil
}

func (s *Screenshots) stopLoop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Screenshots) capture(ctx context.Context) {
	s.mu.Lock()
	s.seq++
	path := filepath.Join(s.dir, fmt.Sprintf("frame_%04d.png", s.seq))
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	name, args := s.tmpl.Expand(map[string]string{"output": path})
	_, err := s.run(cctx, name, args...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if fi, statErr := os.Stat(path); err == nil && statErr == nil && fi.Size() > 0 {
		s.frames = append(s.frames, model.Frame{Path: path, Source: model.FrameSourceGuest, CapturedAt: time.Now().UTC()})
		return
	}
	if ctx.Err() == nil {
		s.errs++
	}
}
