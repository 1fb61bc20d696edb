// Package main Host Orchestrator 入口
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

	"sandbox-admin/internal/agentclient"
	"sandbox-admin/internal/channel"
	"sandbox-admin/internal/config"
	"sandbox-admin/internal/orchestrator"
	"sandbox-admin/internal/shared/eventbus"
	redisbus "sandbox-admin/internal/shared/eventbus/redis"
	"sandbox-admin/internal/shared/objstore"
	"sandbox-admin/internal/storage/history"
	"sandbox-admin/internal/vm/vboxmanage"
	"sandbox-admin/pkg/logging"
)

func main() {
	configDirFlag := flag.String("config", "", "配置文件目录（或 YAML 文件路径）")
	addrFlag := flag.String("addr", "", "监听地址，覆盖 server.orchestrator_addr")
	flag.Parse()

	if *configDirFlag != "" {
		dir := *configDirFlag
		if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
			dir = filepath.Dir(dir)
		}
		config.SetConfigDir(dir)
	}

	cfg := config.MustLoad()
	if *addrFlag != "" {
		cfg.Server.OrchestratorAddr = *addrFlag
	}

	log.Printf("[orchestrator.start] env=%s config=%q", cfg.Env, cfg.LoadedFrom)
	log.Printf("[orchestrator.start] %s", cfg.String())

	cfg.Log.Component = "orchestrator"
	logger := logging.New(cfg.Log)

	controller := vboxmanage.New(cfg.VM, vboxmanage.WithLogger(logger.Named("vm")))

	ch, err := channel.New(cfg.Shared.HostDir)
	if err != nil {
		log.Fatalf("[orchestrator.start] shared channel: %v", err)
	}

	agentAPI := agentclient.New(cfg.AgentClient, cfg.Auth)
	metrics := orchestrator.NewMetrics("sandbox_orchestrator", prometheus.DefaultRegisterer)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	}

	// 分析历史（sqlite）
	var hist *history.Store
	if cfg.Database.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			log.Fatalf("[orchestrator.start] history dir: %v", err)
		}
		hist, err = history.Open(cfg.Database.Path)
		if err != nil {
			log.Fatalf("[orchestrator.start] history: %v", err)
		}
		defer hist.Close()
		opts = append(opts, orchestrator.WithHistory(hist))
		log.Printf("[orchestrator.start] history enabled at %s", cfg.Database.Path)
	}

	// 事件流（Redis，可选）
	var bus eventbus.EventBus = eventbus.NewNoOpEventBus()
	if cfg.Redis.Enabled {
		store, err := redisbus.NewStoreFromURL(cfg.RedisURL())
		if err != nil {
			log.Fatalf("[orchestrator.start] redis: %v", err)
		}
		bus = store
	}
	defer bus.Close()
	opts = append(opts, orchestrator.WithEventBus(bus))

	// 报告归档（MinIO，可选）
	if cfg.MinIO.Enabled {
		client, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("[orchestrator.start] minio: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = client.EnsureBucket(ctx)
		cancel()
		if err != nil {
			log.Fatalf("[orchestrator.start] minio bucket: %v", err)
		}
		opts = append(opts, orchestrator.WithArchiver(client))
		log.Printf("[orchestrator.start] archiving reports to bucket %s", client.Bucket())
	}

	o, err := orchestrator.New(cfg.Orchestrator, controller, agentAPI, ch, opts...)
	if err != nil {
		log.Fatalf("[orchestrator.start] %v", err)
	}

	hub := orchestrator.NewHub(o, metrics)

	var lister orchestrator.HistoryLister
	if hist != nil {
		lister = hist
	}
	srv := &http.Server{
		Addr:    cfg.Server.OrchestratorAddr,
		Handler: orchestrator.NewServer(o, hub, lister, metrics, logger).Router(),
		// 上传样本与 WebSocket 均为长连接，不设置整体读写超时
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// 优雅关闭：停止接收请求后中止在途分析（清理步骤仍会执行）
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("[orchestrator.stop] shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		hub.Close()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[orchestrator.stop] server shutdown error: %v", err)
		}
		if err := o.Close(ctx); err != nil {
			log.Printf("[orchestrator.stop] analysis abort: %v", err)
		}
	}()

	log.Printf("[orchestrator.start] listening on %s (vm=%s agent=%s)",
		cfg.Server.OrchestratorAddr, cfg.Orchestrator.VMName, cfg.AgentClient.BaseURL)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("[orchestrator.start] server error: %v", err)
	}
	<-stopped

	fmt.Println("Orchestrator stopped")
}
