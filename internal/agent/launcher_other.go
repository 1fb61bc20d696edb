//go:build !windows

package agent

// defaultLauncher 非 Windows Guest 直接执行样本
func defaultLauncher() Launcher { return &commandLauncher{argv: []string{"{sample}"}} }
