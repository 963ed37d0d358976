package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sparkplug/ocpp-session-engine/internal/config"
	"github.com/sparkplug/ocpp-session-engine/internal/csms"
	"github.com/sparkplug/ocpp-session-engine/internal/logger"
	"github.com/sparkplug/ocpp-session-engine/internal/message"
	"github.com/sparkplug/ocpp-session-engine/internal/rpc"
	"github.com/sparkplug/ocpp-session-engine/internal/storage"
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 3. 初始化状态投影存储
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	statusStore := storage.NewStatusStore(redisClient, log)
	log.Info("Status store initialized")

	// 4. 初始化凭证与站点元数据存储
	pool, err := storage.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	credentials := storage.NewCredentialStore(pool, log)
	stationMeta := storage.NewStationMetaStore(pool, log)
	log.Info("Postgres stores initialized")

	// 5. 初始化 Kafka 生产者
	producer, err := message.NewEventProducer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic)
	if err != nil {
		log.Fatalf("Failed to initialize Kafka producer: %v", err)
	}
	log.Info("Kafka producer initialized")

	// 6. 初始化 Kafka 消费者
	consumer, err := message.NewCommandConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.CommandTopic, log)
	if err != nil {
		log.Fatalf("Failed to initialize Kafka consumer: %v", err)
	}
	log.Infof("Kafka consumer initialized with brokers: %v, group: %s", cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup)

	// 7. 初始化会话协调器与接入服务器
	coordinator := csms.NewCoordinator(cfg.OCPP.BootInterval, statusStore, credentials, stationMeta, producer, log)
	callConfig := rpc.DefaultConfig()
	callConfig.CallTimeout = cfg.OCPP.CallTimeout
	server := csms.NewServer(&cfg.Server, callConfig, coordinator, log)

	// 8. 启动服务
	go startMetricsServer(cfg.GetMetricsAddr(), log)

	go func() {
		if err := consumer.Start(coordinator.HandleCommand); err != nil {
			log.Errorf("Kafka consumer failed: %v", err)
		}
	}()
	log.Info("Kafka consumer starting...")

	go func() {
		if err := server.Start(cfg.GetServerAddr()); err != nil {
			log.Fatalf("CSMS server failed: %v", err)
		}
	}()
	log.Info("CSMS started successfully")

	// 9. 监听并处理优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("Error shutting down CSMS server: %v", err)
	}
	log.Info("CSMS server shut down")

	if err := consumer.Close(); err != nil {
		log.Errorf("Error closing Kafka consumer: %v", err)
	}
	log.Info("Kafka consumer closed")

	if err := producer.Close(); err != nil {
		log.Errorf("Error closing Kafka producer: %v", err)
	}
	log.Info("Kafka producer closed")

	pool.Close()
	if err := redisClient.Close(); err != nil {
		log.Errorf("Error closing redis client: %v", err)
	}
	log.Info("Storage closed")

	log.Info("Server gracefully stopped.")
}

// startMetricsServer 启动监控服务器
func startMetricsServer(addr string, log *logger.Logger) {
	http.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Metrics server failed: %v", err)
	}
}
