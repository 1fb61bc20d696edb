//go:build windows

package agent

import (
	"context"
	"fmt"

	"golang.org/x/sys/windows"
)

// shellLauncher 通过 ShellExecute 启动样本，等同于资源管理器中双击
type shellLauncher struct {
	verb string
}

func defaultLauncher() Launcher { return &shellLauncher{verb: "open"} }

func (l *shellLauncher) Name() string { return "shell_execute" }

func (l *shellLauncher) Launch(_ context.Context, path, dir string) (int, error) {
	verb, err := windows.UTF16PtrFromString(l.verb)
	if err != nil {
		return 0, err
	}
	file, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	cwd, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	if err := windows.ShellExecute(0, verb, file, nil, cwd, windows.SW_SHOWNORMAL); err != nil {
		return 0, fmt.Errorf("ShellExecute %s: %w", path, err)
	}
	return 0, nil
}
