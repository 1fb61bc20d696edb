// Package config 统一配置管理
//
// Orchestrator、Guest Agent 与 vmctl 共用同一 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env.{env} 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，覆盖 common.yaml）
//  3. 代码硬编码默认值
//
// 密码/密钥只从环境变量读取（YAML 中不存储任何密码）：
// AGENT_SECRET、BUNDLE_PASSWORD、MINIO_ROOT_USER、MINIO_ROOT_PASSWORD、REDIS_PASSWORD。
//
// 配置路径确定策略：
//  1. --config 命令行参数
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：prod → /etc/sandbox-admin/，dev/test → ./configs/
package config

import (
	"sandbox-admin/internal/agent"
	"sandbox-admin/internal/agent/collector"
	"sandbox-admin/internal/agentclient"
	"sandbox-admin/internal/auth"
	"sandbox-admin/internal/orchestrator"
	"sandbox-admin/internal/shared/objstore"
	"sandbox-admin/internal/vm/vboxmanage"
	"sandbox-admin/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// Config 统一配置
type Config struct {
	Env        Environment `yaml:"-"`
	LoadedFrom string      `yaml:"-"` // 实际加载的 {env}.yaml 路径，未找到时为空

	Server       ServerConfig        `yaml:"server"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Agent        agent.Config        `yaml:"agent"`
	AgentClient  agentclient.Config  `yaml:"agent_client"`
	VM           vboxmanage.Config   `yaml:"vm"`
	Shared       SharedConfig        `yaml:"shared"`
	Collectors   collector.Config    `yaml:"collectors"`
	Database     DatabaseConfig      `yaml:"database"`
	Redis        RedisConfig         `yaml:"redis"`
	MinIO        objstore.Config     `yaml:"minio"`
	Log          logging.Config      `yaml:"log"`
	Auth         auth.Config         `yaml:"auth"`
}

// ServerConfig 监听地址
type ServerConfig struct {
	OrchestratorAddr string `yaml:"orchestrator_addr"`
	AgentAddr        string `yaml:"agent_addr"`
}

// SharedConfig Host/Guest 共享目录
//
// Host 与 Guest 看到的是同一目录的不同挂载点，因此两侧各自配置。
type SharedConfig struct {
	HostDir  string `yaml:"host_dir"`
	GuestDir string `yaml:"guest_dir"`
}

// DatabaseConfig 分析历史索引（sqlite）
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig 分析事件流（可选）
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"` // 非空时直接使用
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"` // 只从 REDIS_PASSWORD 读取
}
