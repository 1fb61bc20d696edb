package collector

import (
	"context"
	"fmt"
	"path/filepath"

	"sandbox-admin/internal/shared/model"
)

// RecorderConfig 外部记录器命令配置
//
// 模板占位符：{output} 记录文件，{export} 导出文件，{interface} 抓包网卡。
type RecorderConfig struct {
	Start  string `yaml:"start"`
	Stop   string `yaml:"stop"`
	Export string `yaml:"export"`
}

// ============================================================================
// Procmon - 进程活动记录
// ============================================================================

// DefaultProcmon Procmon 默认命令
var DefaultProcmon = RecorderConfig{
	Start:  `Procmon.exe /AcceptEula /Quiet /Minimized /BackingFile {output}`,
	Stop:   `Procmon.exe /Terminate`,
	Export: `Procmon.exe /AcceptEula /Quiet /OpenLog {output} /SaveAs {export}`,
}

// Procmon 进程活动记录器
type Procmon struct {
	start, stop, export *Template
	run                 CommandFunc
	rec                 recorder
	backing             string
}

// NewProcmon 创建 Procmon 采集器
func NewProcmon(cfg RecorderConfig, run CommandFunc) (*Procmon, error) {
	if cfg.Start == "" {
		cfg = DefaultProcmon
	}
	p := &Procmon{run: orExec(run)}
	var err error
	if p.start, err = ParseTemplate(cfg.Start); err != nil {
		return nil, err
	}
	if cfg.Stop != "" {
		if p.stop, err = ParseTemplate(cfg.Stop); err != nil {
			return nil, err
		}
	}
	if cfg.Export != "" {
		if p.export, err = ParseTemplate(cfg.Export); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Procmon) Name() string        { return "procmon" }
func (p *Procmon) Description() string { return "Process Monitor activity trace exported as CSV" }

func (p *Procmon) Available(context.Context) bool { return LookPath(p.start.Binary()) }

// Prepare 启动记录
func (p *Procmon) Prepare(ctx context.Context, rc *RunContext) error {
	dir, err := rc.Dir(p.Name())
	if err != nil {
		return err
	}
	p.backing = filepath.Join(dir, "trace.pml")
	return p.rec.start(ctx, p.start, p.stop, map[string]string{"output": p.backing})
}

// Collect 停止记录并导出 CSV
func (p *Procmon) Collect(ctx context.Context, rc *RunContext) (*Result, error) {
	if !p.rec.stop(ctx) {
		return NoData(), nil
	}
	backing := p.backing
	p.backing = ""

	if p.export == nil {
		return recordedResult(rc, backing), nil
	}
	csvPath := filepath.Join(filepath.Dir(backing), "trace.csv")
	name, args := p.export.Expand(map[string]string{"output": backing, "export": csvPath})
	if _, err := p.run(ctx, name, args...); err != nil {
		res := recordedResult(rc, backing)
		return res, fmt.Errorf("export procmon log: %w", err)
	}
	return recordedResult(rc, backing, csvPath), nil
}

// ============================================================================
// Pcap - 抓包
// ============================================================================

// DefaultPcap dumpcap 默认命令
var DefaultPcap = RecorderConfig{
	Start: `dumpcap -q -i {interface} -w {output}`,
}

// Pcap 网络抓包记录器
type Pcap struct {
	start, stop *Template
	iface       string
	rec         recorder
	output      string
}

// NewPcap 创建抓包采集器
func NewPcap(cfg RecorderConfig, iface string) (*Pcap, error) {
	if cfg.Start == "" {
		cfg = DefaultPcap
	}
	if iface == "" {
		iface = "1"
	}
	p := &Pcap{iface: iface}
	var err error
	if p.start, err = ParseTemplate(cfg.Start); err != nil {
		return nil, err
	}
	if cfg.Stop != "" {
		if p.stop, err = ParseTemplate(cfg.Stop); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pcap) Name() string        { return "pcap" }
func (p *Pcap) Description() string { return "Packet capture of guest traffic during the run" }

func (p *Pcap) Available(context.Context) bool { return LookPath(p.start.Binary()) }

// Prepare 启动抓包
func (p *Pcap) Prepare(ctx context.Context, rc *RunContext) error {
	dir, err := rc.Dir(p.Name())
	if err != nil {
		return err
	}
	p.output = filepath.Join(dir, "capture.pcapng")
	return p.rec.start(ctx, p.start, p.stop, map[string]string{"output": p.output, "interface": p.iface})
}

// Collect 停止抓包
func (p *Pcap) Collect(ctx context.Context, rc *RunContext) (*Result, error) {
	if !p.rec.stop(ctx) {
		return NoData(), nil
	}
	out := p.output
	p.output = ""
	return recordedResult(rc, out), nil
}

// recordedResult 记录文件存在且非空为 ok，否则 no_data
func recordedResult(rc *RunContext, paths ...string) *Result {
	arts := nonEmpty(rc, paths...)
	if len(arts) == 0 {
		return NoData()
	}
	return &Result{Status: model.CollectorStatusOK, Artifacts: arts}
}
