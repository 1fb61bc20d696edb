package config

import (
	"fmt"
	"regexp"
)

// RedisURL 构建 Redis 连接字符串；URL 字段非空时直接使用
func (c *Config) RedisURL() string {
	r := c.Redis
	if r.URL != "" {
		return r.URL
	}
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", r.Password, r.Host, r.Port, r.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", r.Host, r.Port, r.DB)
}

var passwordPattern = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

// maskPassword 隐藏密码
func maskPassword(url string) string {
	return passwordPattern.ReplaceAllString(url, "${1}***${3}")
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	redis := "disabled"
	if c.Redis.Enabled {
		redis = maskPassword(c.RedisURL())
	}
	return fmt.Sprintf("Config{Env: %s, VM: %s, Agent: %s, Shared: %s, History: %s, Redis: %s, MinIO: %t, Auth: %t}",
		c.Env, c.Orchestrator.VMName, c.AgentClient.BaseURL, c.Shared.HostDir, c.Database.Path, redis, c.MinIO.Enabled, c.Auth.Enabled())
}
