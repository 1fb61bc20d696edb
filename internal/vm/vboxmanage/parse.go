package vboxmanage

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sandbox-admin/internal/vm"
)

// parseMachineReadable 解析 `showvminfo --machinereadable` 输出
//
// 每行形如 key="value" 或 key=value；无法识别的行忽略。
func parseMachineReadable(out string) map[string]string {
	kv := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.Trim(line[:idx], `"`)
		val := line[idx+1:]
		if unq, err := strconv.Unquote(val); err == nil {
			val = unq
		} else {
			val = strings.Trim(val, `"`)
		}
		kv[key] = val
	}
	return kv
}

// parseInfo 将键值对转换为 vm.Info
func parseInfo(vmName, out string) (*vm.Info, error) {
	kv := parseMachineReadable(out)
	rawState, ok := kv["VMState"]
	if !ok {
		return nil, fmt.Errorf("%w: VMState missing from showvminfo output", vm.ErrUnexpectedOutput)
	}

	info := &vm.Info{
		Name:            firstNonEmpty(kv["name"], vmName),
		UUID:            kv["UUID"],
		State:           mapState(rawState),
		OSType:          kv["ostype"],
		CurrentSnapshot: kv["CurrentSnapshotName"],
		Raw:             kv,
	}
	if v, err := strconv.Atoi(kv["memory"]); err == nil {
		info.MemoryMB = v
	}
	if v, err := strconv.Atoi(kv["cpus"]); err == nil {
		info.CPUs = v
	}
	if ts := kv["VMStateChangeTime"]; ts != "" {
		if t, err := parseStateTime(ts); err == nil {
			info.StateChangedAt = &t
		}
	}
	return info, nil
}

// parseStateTime VMStateChangeTime 形如 2024-05-01T10:11:12.123000000
func parseStateTime(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// mapState 映射 VBoxManage 状态字符串
func mapState(s string) vm.State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return vm.StateRunning
	case "poweroff", "powered off":
		return vm.StatePoweredOff
	case "paused":
		return vm.StatePaused
	case "saved":
		return vm.StateSaved
	case "aborted", "aborted-saved":
		return vm.StateAborted
	case "starting":
		return vm.StateStarting
	case "stopping":
		return vm.StateStopping
	case "restoring":
		return vm.StateRestoring
	default:
		return vm.StateUnknown
	}
}

var runningLine = regexp.MustCompile(`^"(.*)"\s+\{([0-9a-fA-F-]+)\}$`)

// parseRunningList 解析 `list runningvms` 输出
func parseRunningList(out string) ([]vm.Machine, error) {
	machines := []vm.Machine{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m := runningLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: unrecognized runningvms line %q", vm.ErrUnexpectedOutput, line)
		}
		machines = append(machines, vm.Machine{Name: m[1], UUID: m[2]})
	}
	return machines, nil
}

// parseGuestIP 解析 `guestproperty get` 输出
//
// "No value set!" 表示 Guest Additions 尚未上报，返回空字符串。
func parseGuestIP(out string) (string, error) {
	s := strings.TrimSpace(out)
	if s == "" || strings.HasPrefix(s, "No value set") {
		return "", nil
	}
	if !strings.HasPrefix(s, "Value:") {
		return "", fmt.Errorf("%w: guestproperty output %q", vm.ErrUnexpectedOutput, s)
	}
	ip := strings.TrimSpace(strings.TrimPrefix(s, "Value:"))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("%w: invalid guest ip %q", vm.ErrUnexpectedOutput, ip)
	}
	return ip, nil
}

// classifyFailure 将非零退出的输出归类为错误
func classifyFailure(out Output) (error, string) {
	detail := firstLine(firstNonEmpty(out.Stderr, out.Stdout))
	text := out.Stderr + out.Stdout
	switch {
	case strings.Contains(text, "Could not find a registered machine"),
		strings.Contains(text, "VBOX_E_OBJECT_NOT_FOUND"),
		strings.Contains(text, "Could not find a snapshot"):
		return vm.ErrNotFound, detail
	case strings.Contains(text, "Failed to create the VirtualBox object"),
		strings.Contains(text, "VBoxSVC"):
		return vm.ErrUnreachable, detail
	default:
		return vm.ErrUnexpectedOutput, fmt.Sprintf("exit status %d: %s", out.ExitCode, detail)
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "VBoxManage: error: "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
