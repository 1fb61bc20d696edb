package vboxmanage

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Output 命令输出
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner 命令执行接口（测试中替换为脚本化实现）
//
// 命令成功启动即返回 nil error，非零退出码通过 Output.ExitCode 体现；
// 只有命令无法启动或被上下文取消时才返回 error。
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ExecRunner 基于 os/exec 的实现
type ExecRunner struct{}

// Run 执行命令并收集输出
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, err
	}
	return out, nil
}
