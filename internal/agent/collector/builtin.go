package collector

import (
	"log"
	"time"
)

// Config 采集器配置
type Config struct {
	Timeout            time.Duration  `yaml:"timeout"`
	Disabled           []string       `yaml:"disabled"`
	Wevtutil           string         `yaml:"wevtutil"`
	EventLogChannels   []string       `yaml:"eventlog_channels"`
	Procmon            RecorderConfig `yaml:"procmon"`
	Pcap               RecorderConfig `yaml:"pcap"`
	PcapInterface      string         `yaml:"pcap_interface"`
	ScreenshotCommand  string         `yaml:"screenshot_command"`
	ScreenshotInterval time.Duration  `yaml:"screenshot_interval"`
}

// NewDefaultRegistry 按固定顺序注册内置采集器
func NewDefaultRegistry(cfg Config) (*Registry, error) {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, n := range cfg.Disabled {
		disabled[n] = true
	}

	procmon, err := NewProcmon(cfg.Procmon, nil)
	if err != nil {
		return nil, err
	}
	pcap, err := NewPcap(cfg.Pcap, cfg.PcapInterface)
	if err != nil {
		return nil, err
	}
	shots, err := NewScreenshots(cfg.ScreenshotCommand, cfg.ScreenshotInterval, nil)
	if err != nil {
		return nil, err
	}

	builtin := []Collector{
		NewSysmon(cfg.Wevtutil, nil),
		NewEventLog(cfg.Wevtutil, cfg.EventLogChannels, nil),
		procmon,
		pcap,
		shots,
		NewHandles(),
		NewConnections(),
	}

	r := NewRegistry(cfg.Timeout)
	for _, c := range builtin {
		if disabled[c.Name()] {
			log.Printf("[collector.registry] disabled: %s", c.Name())
			continue
		}
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}
