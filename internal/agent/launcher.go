package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

// Launcher 样本启动器
type Launcher interface {
	Name() string

	// Launch 启动样本并立即返回；无法获得 PID 时返回 0
	Launch(ctx context.Context, path, dir string) (int, error)
}

// NewLauncher 根据命令模板创建启动器，模板为空时使用平台默认
//
// 模板占位符：{sample} 样本路径，{dir} 样本所在目录。
func NewLauncher(template string) (Launcher, error) {
	if strings.TrimSpace(template) == "" {
		return defaultLauncher(), nil
	}
	argv, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parse launcher template: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty launcher template")
	}
	return &commandLauncher{argv: argv}, nil
}

// commandLauncher 通过命令模板启动样本
type commandLauncher struct {
	argv []string
}

func (l *commandLauncher) Name() string { return "command" }

// Launch 启动后不等待；进程退出由后台协程回收
func (l *commandLauncher) Launch(_ context.Context, path, dir string) (int, error) {
	r := strings.NewReplacer("{sample}", path, "{dir}", dir)
	args := make([]string, len(l.argv))
	for i, a := range l.argv {
		args[i] = r.Replace(a)
	}
	// 样本生命周期不受请求上下文约束
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", args[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}
