// Package main vmctl 虚拟机控制命令行
//
// 用法：vmctl [--config dir] [--vm name] <verb> [args]
//
// 每个动词对应 vm.Controller 的一个操作，结果以 JSON 输出到 stdout。
// 失败时在 stderr 输出 {"error", "kind"} 并以非零状态退出。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sandbox-admin/internal/config"
	"sandbox-admin/internal/vm"
	"sandbox-admin/internal/vm/vboxmanage"
	"sandbox-admin/pkg/logging"
)

// errUsage 参数错误
var errUsage = errors.New("usage")

const usage = `usage: vmctl [--config dir] [--vm name] [--timeout 5m] <verb> [args]

verbs:
  start | poweroff | pause | resume | reset | savestate | shutdown
  snapshot <name>        take a snapshot
  restore <name>         restore a named snapshot
  restore-current        restore the current snapshot
  info | ip | running
  screenshot <path>      write the current display to a PNG file
`

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	vmFlag := flag.String("vm", "", "虚拟机名称，覆盖 orchestrator.vm_name")
	timeoutFlag := flag.Duration("timeout", 5*time.Minute, "整体操作超时")
	verbose := flag.Bool("v", false, "输出调试日志")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[vmctl] %v", err)
	}
	vmName := cfg.Orchestrator.VMName
	if *vmFlag != "" {
		vmName = *vmFlag
	}

	logger := logging.Discard()
	if *verbose {
		logger = logging.New(logging.Config{Level: "debug", Format: "text", Output: "stderr", Component: "vmctl"})
	}
	controller := vboxmanage.New(cfg.VM, vboxmanage.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	if err := run(ctx, controller, vmName, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		writeFailure(os.Stderr, err)
		os.Exit(1)
	}
}

// run 执行单个动词并输出 JSON
func run(ctx context.Context, c vm.Controller, vmName string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	verb, rest := args[0], args[1:]

	arg := func() (string, error) {
		if len(rest) != 1 || rest[0] == "" {
			return "", fmt.Errorf("%w: %s requires exactly one argument", errUsage, verb)
		}
		return rest[0], nil
	}
	noArgs := func() error {
		if len(rest) != 0 {
			return fmt.Errorf("%w: %s takes no arguments", errUsage, verb)
		}
		return nil
	}

	var (
		result any
		err    error
	)
	switch verb {
	case "start", "poweroff", "pause", "resume", "reset", "savestate", "shutdown", "restore-current", "info", "ip", "running":
		if err := noArgs(); err != nil {
			return err
		}
	}

	switch verb {
	case "start":
		result, err = c.Start(ctx, vmName)
	case "poweroff":
		result, err = c.PowerOff(ctx, vmName)
	case "pause":
		result, err = c.Pause(ctx, vmName)
	case "resume":
		result, err = c.Resume(ctx, vmName)
	case "reset":
		result, err = c.Reset(ctx, vmName)
	case "savestate":
		result, err = c.SaveState(ctx, vmName)
	case "shutdown":
		result, err = c.Shutdown(ctx, vmName)
	case "snapshot":
		name, aerr := arg()
		if aerr != nil {
			return aerr
		}
		result, err = c.TakeSnapshot(ctx, vmName, name)
	case "restore":
		name, aerr := arg()
		if aerr != nil {
			return aerr
		}
		result, err = c.RestoreSnapshot(ctx, vmName, name)
	case "restore-current":
		result, err = c.RestoreCurrentSnapshot(ctx, vmName)
	case "info":
		result, err = c.Info(ctx, vmName)
	case "ip":
		var ip string
		ip, err = c.IPAddress(ctx, vmName)
		result = map[string]any{"vm": vmName, "ip": ip, "reported": ip != ""}
	case "running":
		var machines []vm.Machine
		machines, err = c.ListRunning(ctx)
		if machines == nil {
			machines = []vm.Machine{}
		}
		result = map[string]any{"machines": machines}
	case "screenshot":
		path, aerr := arg()
		if aerr != nil {
			return aerr
		}
		result, err = c.Screenshot(ctx, vmName, path)
	default:
		return fmt.Errorf("%w: unknown verb %q", errUsage, verb)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// writeFailure 输出错误与分类
func writeFailure(w io.Writer, err error) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  vm.Kind(err),
	})
}
