package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
)

// CommandFunc 执行一条命令并返回标准输出（测试中替换）
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommand 默认的 CommandFunc
func ExecCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// LookPath 可用性探测：命令是否存在（绝对路径或 PATH 中）
func LookPath(name string) bool {
	if name == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}

// Template 命令模板，形如 `dumpcap -i {interface} -w {output}`
//
// 先按 shell 规则切分，再对每个参数替换占位符，路径中的空格不会破坏参数边界。
type Template struct {
	argv []string
}

// ParseTemplate 解析命令模板
func ParseTemplate(s string) (*Template, error) {
	argv, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parse command template %q: %w", s, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command template")
	}
	return &Template{argv: argv}, nil
}

// Binary 可执行文件
func (t *Template) Binary() string { return t.argv[0] }

// Expand 替换占位符，返回命令名与参数
func (t *Template) Expand(vars map[string]string) (string, []string) {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(t.argv))
	for i, a := range t.argv {
		out[i] = r.Replace(a)
	}
	return out[0], out[1:]
}

// recorder 外部记录进程（Procmon、dumpcap）
//
// Start 在 Prepare 中调用，Stop 在 Collect 中调用；
// 配置了停止命令时执行停止命令，否则发送中断信号（Windows 上直接结束进程）。
type recorder struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan error
	stopCmd *Template
	vars    map[string]string
}

func (r *recorder) start(ctx context.Context, tmpl *Template, stop *Template, vars map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		r.stopLocked(ctx)
	}

	name, args := tmpl.Expand(vars)
	// 记录器生命周期跨越请求上下文，不绑定 ctx
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder %s: %w", name, err)
	}
	r.cmd = cmd
	r.stopCmd = stop
	r.vars = vars
	r.done = make(chan error, 1)
	go func(c *exec.Cmd, done chan<- error) { done <- c.Wait() }(cmd, r.done)
	return nil
}

// stop 停止记录进程，返回记录器是否曾在运行
func (r *recorder) stop(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *recorder) stopLocked(ctx context.Context) bool {
	if r.cmd == nil {
		return false
	}
	if r.stopCmd != nil {
		name, args := r.stopCmd.Expand(r.vars)
		_ = exec.CommandContext(ctx, name, args...).Run()
	} else if runtime.GOOS == "windows" {
		_ = r.cmd.Process.Kill()
	} else {
		_ = r.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-r.done:
	case <-time.After(15 * time.Second):
		_ = r.cmd.Process.Kill()
		<-r.done
	}
	r.cmd = nil
	return true
}
