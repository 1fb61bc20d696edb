package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sandbox-admin/internal/auth"
	"sandbox-admin/internal/orchestrator"
	"sandbox-admin/pkg/logging"
)

// Load 加载配置
//
// 1. 解析 APP_ENV，dev/test 加载 .env.{env}
// 2. 默认值 → common.yaml → {env}.yaml
// 3. 环境变量覆盖（含全部密钥）
// 4. 校验并填充缺省值
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	cfg := defaults()
	cfg.Env = env

	if path := findConfigFile("common.yaml"); path != "" {
		if err := mergeYAML(cfg, path); err != nil {
			return nil, err
		}
	}
	if path := findConfigFile(ConfigFileName()); path != "" {
		if err := mergeYAML(cfg, path); err != nil {
			return nil, err
		}
		cfg.LoadedFrom = path
	}

	applyEnv(cfg)
	cfg.validate()
	return cfg, nil
}

// MustLoad 加载失败时退出进程
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("[config.load] %v", err)
	}
	return cfg
}

// ConfigFileName 当前环境的配置文件名
func ConfigFileName() string {
	return fmt.Sprintf("%s.yaml", parseEnv(getEnv("APP_ENV", "dev")))
}

// defaults 代码默认值
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			OrchestratorAddr: ":8080",
			AgentAddr:        ":9000",
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Shared: SharedConfig{
			HostDir:  "shared",
			GuestDir: `Z:\`,
		},
		Database: DatabaseConfig{Enabled: true, Path: "data/history.db"},
		Redis:    RedisConfig{Host: "localhost", Port: 6380},
		Log:      logging.Config{Level: "info", Format: "text", Output: "stdout"},
		Auth:     auth.DefaultConfig(),
	}
}

// findConfigFile 在搜索路径中查找第一个存在的文件
func findConfigFile(name string) string {
	for _, base := range effectiveConfigPaths() {
		p := filepath.Join(base, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// mergeYAML 后加载的文件覆盖先加载的字段
func mergeYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv 环境变量覆盖
func applyEnv(cfg *Config) {
	// 密钥
	cfg.Auth.Secret = os.Getenv("AGENT_SECRET")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	cfg.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	password := os.Getenv("BUNDLE_PASSWORD")
	cfg.Orchestrator.BundlePassword = password
	cfg.Agent.BundlePassword = password

	// 常用的非敏感覆盖
	if v := os.Getenv("AGENT_URL"); v != "" {
		cfg.AgentClient.BaseURL = v
	}
	if v := os.Getenv("VM_NAME"); v != "" {
		cfg.Orchestrator.VMName = v
	}
	if v := os.Getenv("SHARED_DIR"); v != "" {
		cfg.Shared.HostDir = v
	}
	if v := os.Getenv("REPORTS_DIR"); v != "" {
		cfg.Orchestrator.ReportsDir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
		cfg.MinIO.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate 校验并填充缺省值
func (c *Config) validate() {
	c.Orchestrator.Validate()
	if c.AgentClient.BaseURL == "" {
		c.AgentClient.BaseURL = "http://192.168.56.101:9000"
	}
	if c.AgentClient.RequestTimeout <= 0 {
		c.AgentClient.RequestTimeout = 10 * time.Second
	}
	if c.Agent.ChannelDir == "" {
		c.Agent.ChannelDir = c.Shared.GuestDir
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = auth.DefaultConfig().TokenTTL
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6380
	}
}
