package collector

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sandbox-admin/internal/shared/model"
)

// SysmonChannel Sysmon 事件通道
const SysmonChannel = "Microsoft-Windows-Sysmon/Operational"

// EventLog 通过 wevtutil 导出运行窗口内的 Windows 事件日志
type EventLog struct {
	name        string
	description string
	binary      string
	channels    []string
	// 探测时要求存在的通道（Sysmon 未安装时不可用）
	required string
	run      CommandFunc
}

// NewSysmon Sysmon 事件采集器
func NewSysmon(binary string, run CommandFunc) *EventLog {
	return &EventLog{
		name:        "sysmon",
		description: "Sysmon operational events recorded during the run",
		binary:      firstNonEmpty(binary, "wevtutil"),
		channels:    []string{SysmonChannel},
		required:    SysmonChannel,
		run:         orExec(run),
	}
}

// NewEventLog 系统事件日志采集器
func NewEventLog(binary string, channels []string, run CommandFunc) *EventLog {
	if len(channels) == 0 {
		channels = []string{"Security", "System", "Application", "Microsoft-Windows-PowerShell/Operational"}
	}
	return &EventLog{
		name:        "eventlog",
		description: "Windows event log channels exported for the run window",
		binary:      firstNonEmpty(binary, "wevtutil"),
		channels:    channels,
		run:         orExec(run),
	}
}

func (e *EventLog) Name() string        { return e.name }
func (e *EventLog) Description() string { return e.description }

// Available wevtutil 存在；需要的通道已注册
func (e *EventLog) Available(ctx context.Context) bool {
	if !LookPath(e.binary) {
		return false
	}
	if e.required == "" {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.run(pctx, e.binary, "gl", e.required)
	return err == nil
}

// Collect 逐通道导出 XML 并统计事件数
func (e *EventLog) Collect(ctx context.Context, rc *RunContext) (*Result, error) {
	dir, err := rc.Dir(e.name)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("/q:*[System[TimeCreated[@SystemTime>='%s']]]", rc.Since.UTC().Format("2006-01-02T15:04:05.000Z"))
	res := &Result{Status: model.CollectorStatusNoData, Artifacts: []string{}}
	var failures []string
	for _, ch := range e.channels {
		out, err := e.run(ctx, e.binary, "qe", ch, query, "/f:xml", "/e:Events")
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", ch, err))
			continue
		}
		n := countEvents(out)
		if n == 0 {
			continue
		}
		path := filepath.Join(dir, channelFile(ch))
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return res, err
		}
		res.Artifacts = append(res.Artifacts, rc.Rel(path))
		res.Events += n
	}

	if len(failures) == len(e.channels) {
		return res, fmt.Errorf("export failed: %s", strings.Join(failures, "; "))
	}
	if res.Events > 0 {
		res.Status = model.CollectorStatusOK
	}
	return res, nil
}

func countEvents(xml []byte) int {
	return bytes.Count(xml, []byte("<Event ")) + bytes.Count(xml, []byte("<Event>"))
}

func channelFile(ch string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", " ", "_")
	return r.Replace(ch) + ".xml"
}

func orExec(run CommandFunc) CommandFunc {
	if run == nil {
		return ExecCommand
	}
	return run
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
