package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sparkplug/ocpp-session-engine/internal/config"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/simulator"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	// 3. 构建车队
	fleet, err := simulator.NewFleet(cfg, log)
	if err != nil {
		log.Fatalf("Failed to build fleet: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 连接全部站点
	// 单站失败不阻断启动，离线站点可随后通过控制接口重连
	if err := fleet.ConnectAll(ctx); err != nil {
		log.Warnf("Some stations failed to connect: %v", err)
	}
	fleet.WatchNotifications(ctx)

	// 5. 启动控制接口
	controlServer := simulator.NewControlServer(fleet, log)
	go func() {
		if err := controlServer.Start(cfg.Station.ControlAddr); err != nil {
			log.Fatalf("Control API failed: %v", err)
		}
	}()

	// 6. 按配置启动随机充电场景
	scenario := simulator.NewScenarioRunnerFromConfig(cfg, fleet, log)
	if scenario != nil {
		scenario.Start(ctx)
	}
	log.Info("Station simulator started successfully")

	// 7. 监听并处理优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down simulator...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if scenario != nil {
		scenario.Stop()
		log.Info("Scenario runner stopped")
	}

	if err := controlServer.Stop(shutdownCtx); err != nil {
		log.Errorf("Error shutting down control API: %v", err)
	}
	log.Info("Control API shut down")

	if err := fleet.DisconnectAll(shutdownCtx); err != nil {
		log.Errorf("Error disconnecting fleet: %v", err)
	}
	log.Info("Fleet disconnected")

	log.Info("Simulator gracefully stopped.")
}
