package collector

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"sandbox-admin/internal/shared/model"
)

// Registry 管理所有采集器（按注册顺序执行）
type Registry struct {
	collectors map[string]Collector
	order      []string
	mu         sync.RWMutex

	// 单个采集器超时
	timeout time.Duration

	// 超时后等待采集器自行返回的宽限期
	grace time.Duration

	// Prepare 阶段的失败，Collect 时记为 error
	prepareErrs map[string]error
}

// NewRegistry 创建采集器注册表
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Registry{
		collectors:  make(map[string]Collector),
		timeout:     timeout,
		grace:       10 * time.Second,
		prepareErrs: make(map[string]error),
	}
}

// SetGrace 设置超时后的宽限期
func (r *Registry) SetGrace(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.grace = d
	}
}

// Register 注册采集器
func (r *Registry) Register(c Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if _, exists := r.collectors[name]; exists {
		return fmt.Errorf("collector %s already registered", name)
	}

	r.collectors[name] = c
	r.order = append(r.order, name)
	log.Printf("[collector.registry] registered: %s", name)
	return nil
}

// Get 获取采集器
func (r *Registry) Get(name string) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[name]
	return c, ok
}

// List 按注册顺序列出采集器名称
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) ordered() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collector, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.collectors[name])
	}
	return out
}

// Describe 探测所有采集器的可用性
func (r *Registry) Describe(ctx context.Context) []model.CollectorDescriptor {
	cs := r.ordered()
	out := make([]model.CollectorDescriptor, 0, len(cs))
	for _, c := range cs {
		out = append(out, model.CollectorDescriptor{
			Name:        c.Name(),
			Available:   safeAvailable(ctx, c),
			Description: c.Description(),
		})
	}
	return out
}

// PrepareAll 在样本启动前调用所有可用 Preparer
func (r *Registry) PrepareAll(ctx context.Context, rc *RunContext) {
	errs := make(map[string]error)
	for _, c := range r.ordered() {
		p, ok := c.(Preparer)
		if !ok || !safeAvailable(ctx, c) {
			continue
		}
		if err := safePrepare(ctx, p, rc); err != nil {
			errs[c.Name()] = err
			rc.logger().WithCollector(c.Name()).WithError(err).Warn("collector prepare failed")
		}
	}

	r.mu.Lock()
	r.prepareErrs = errs
	r.mu.Unlock()
}

// RunAll 依次执行所有采集器，单个采集器的失败只记录在其结果中
func (r *Registry) RunAll(ctx context.Context, rc *RunContext) ([]model.CollectorOutcome, []model.Frame) {
	r.mu.Lock()
	prepErrs := r.prepareErrs
	r.prepareErrs = make(map[string]error)
	r.mu.Unlock()

	cs := r.ordered()
	outcomes := make([]model.CollectorOutcome, 0, len(cs))
	var frames []model.Frame
	for _, c := range cs {
		start := time.Now()
		outcome := model.CollectorOutcome{Name: c.Name(), Artifacts: []string{}}

		switch {
		case !safeAvailable(ctx, c):
			outcome.Status = model.CollectorStatusUnavailable
		case prepErrs[c.Name()] != nil:
			outcome.Status = model.CollectorStatusError
			outcome.Error = "prepare: " + prepErrs[c.Name()].Error()
		default:
			res, err := r.collectOne(ctx, c, rc)
			switch {
			case err != nil:
				outcome.Status = model.CollectorStatusError
				outcome.Error = err.Error()
				if res != nil {
					outcome.Artifacts = append(outcome.Artifacts, res.Artifacts...)
				}
			case res == nil:
				outcome.Status = model.CollectorStatusNoData
			default:
				outcome.Status = res.Status
				if outcome.Status == "" {
					outcome.Status = model.CollectorStatusOK
				}
				outcome.Artifacts = append(outcome.Artifacts, res.Artifacts...)
				outcome.Events = res.Events
				frames = append(frames, res.Frames...)
			}
		}

		duration := time.Since(start)
		outcome.DurationMs = duration.Milliseconds()
		var logErr error
		if outcome.Error != "" {
			logErr = fmt.Errorf("%s", outcome.Error)
		}
		rc.logger().CollectorLog(c.Name(), string(outcome.Status), len(outcome.Artifacts), duration, logErr)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, frames
}

// collectOne 带超时与 panic 恢复地执行单个采集器
func (r *Registry) collectOne(ctx context.Context, c Collector, rc *RunContext) (*Result, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type ret struct {
		res *Result
		err error
	}
	done := make(chan ret, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ret{err: fmt.Errorf("collector panic: %v", p)}
			}
		}()
		res, err := c.Collect(cctx, rc)
		done <- ret{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-cctx.Done():
	}

	// 超时后仍可能在写产物：宽限期内等待其返回，否则隔离其目录，避免打包时读到写了一半的文件
	timeoutErr := fmt.Errorf("collector %s: %w", c.Name(), cctx.Err())
	r.mu.RLock()
	grace := r.grace
	r.mu.RUnlock()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.res, timeoutErr
	case <-timer.C:
	}
	if err := rc.quarantine(c.Name()); err != nil {
		rc.logger().WithCollector(c.Name()).WithError(err).Warn("quarantine abandoned collector output failed")
	}
	return nil, fmt.Errorf("%w (abandoned after %s grace)", timeoutErr, grace)
}

func safeAvailable(ctx context.Context, c Collector) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return c.Available(ctx)
}

func safePrepare(ctx context.Context, p Preparer, rc *RunContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("prepare panic: %v", rec)
		}
	}()
	return p.Prepare(ctx, rc)
}
