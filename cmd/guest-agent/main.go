// Package main Guest Agent 入口（运行在分析虚拟机内）
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sandbox-admin/internal/agent"
	"sandbox-admin/internal/agent/collector"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/config"
	"sandbox-admin/pkg/logging"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	addrFlag := flag.String("addr", "", "监听地址，覆盖 server.agent_addr")
	showVersion := flag.Bool("version", false, "打印版本后退出")
	flag.Parse()

	if *showVersion {
		fmt.Println(agent.Version)
		return
	}

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg := config.MustLoad()
	if *addrFlag != "" {
		cfg.Server.AgentAddr = *addrFlag
	}

	log.Printf("[agent.start] version=%s env=%s config=%q", agent.Version, cfg.Env, cfg.LoadedFrom)

	cfg.Log.Component = "agent"
	logger := logging.New(cfg.Log)

	registry, err := collector.NewDefaultRegistry(cfg.Collectors)
	if err != nil {
		log.Fatalf("[agent.start] collectors: %v", err)
	}
	log.Printf("[agent.start] collectors: %s", strings.Join(registry.List(), ", "))

	ch, err := channel.New(cfg.Agent.ChannelDir)
	if err != nil {
		log.Fatalf("[agent.start] shared channel %s: %v", cfg.Agent.ChannelDir, err)
	}

	metrics := agent.NewMetrics("sandbox_agent", prometheus.DefaultRegisterer)
	a, err := agent.New(cfg.Agent, ch, registry,
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatalf("[agent.start] %v", err)
	}
	if !cfg.Auth.Enabled() {
		log.Println("[agent.start] AGENT_SECRET not set, API is unauthenticated")
	}

	srv := &http.Server{
		Addr:         cfg.Server.AgentAddr,
		Handler:      agent.NewServer(a, cfg.Auth, metrics, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭：信号或 POST /shutdown 均触发
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			log.Printf("[agent.stop] received %s", sig)
		case <-a.Done():
			log.Println("[agent.stop] shutdown requested")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := a.Shutdown(ctx); err != nil {
			log.Printf("[agent.stop] %v", err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[agent.stop] server shutdown error: %v", err)
		}
	}()

	log.Printf("[agent.start] listening on %s (channel=%s)", cfg.Server.AgentAddr, cfg.Agent.ChannelDir)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("[agent.start] server error: %v", err)
	}
	<-stopped

	fmt.Println("Agent stopped")
}
