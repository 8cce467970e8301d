package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"QuantDesk/internal/api"
	"QuantDesk/internal/capability"
	"QuantDesk/internal/config"
	"QuantDesk/internal/execution"
	"QuantDesk/internal/observability/alerting"
	"QuantDesk/internal/taskqueue"
	"QuantDesk/pkg/logger"
)

// main 是 QuantDesk 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("quantdeskd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("QUANTDESK_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "quantdesk.json")
	}

	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := capability.NewRegistry()
	capability.RegisterBuiltins(registry)

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	broker, err := createBroker(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	// 执行编排器与任务服务共享同一个取消句柄集合，使 API 层的取消
	// 能命中 worker 上运行中的任务。
	runs := execution.NewRunSet()
	orchestrator := execution.NewOrchestrator(registry, execution.WithRunSet(runs))
	service := taskqueue.NewService(registry, store, broker,
		taskqueue.WithServiceRunSet(runs),
		taskqueue.WithDefaults(taskqueue.Defaults{
			MaxRetries:        cfg.Defaults.MaxRetries,
			RetryDelaySeconds: cfg.Defaults.RetryDelaySeconds,
		}),
	)
	defer func() { _ = service.Close() }()

	var alerter alerting.Dispatcher
	if cfg.Alerting.WebhookURL != "" {
		alerter = alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}

	worker := taskqueue.NewWorker(orchestrator, store, broker,
		taskqueue.WithQueue(cfg.Worker.Queue),
		taskqueue.WithConcurrency(cfg.Worker.Concurrency),
		taskqueue.WithPopWait(time.Duration(cfg.Worker.PopWaitSeconds)*time.Second),
		taskqueue.WithNotifier(taskqueue.NewWebhookNotifier(time.Duration(cfg.Worker.WebhookTimeoutSecs)*time.Second)),
		taskqueue.WithAlertDispatcher(alerter),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("worker 异常退出", slog.Any("error", err))
		}
	}()

	go runCleanup(workerCtx, service, time.Duration(cfg.Worker.CleanupAgeHours)*time.Hour)

	logger.L().Info("quantdeskd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Driver),
		slog.String("broker", cfg.Broker.Driver),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	server := api.NewServer(cfg.Server.Address, registry, orchestrator, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runCleanup 周期性地清理过期的终态任务。
func runCleanup(ctx context.Context, service *taskqueue.Service, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := service.Cleanup(ctx, maxAge); err != nil && ctx.Err() == nil {
			logger.L().Error("清理任务失败", slog.Any("error", err))
		}
	}
}

func createStore(cfg *config.Config) (taskqueue.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return taskqueue.NewMemoryStore(), nil
	case "redis":
		return taskqueue.NewRedisStore(taskqueue.RedisConfig{
			Address:  cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
	case "mysql":
		return taskqueue.NewMySQLStore(taskqueue.MySQLConfig{
			DSN:          cfg.Store.MySQL.DSN,
			MaxOpenConns: cfg.Store.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.Store.MySQL.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}
}

func createBroker(cfg *config.Config) (taskqueue.Broker, error) {
	switch cfg.Broker.Driver {
	case "", "memory":
		return taskqueue.NewMemoryBroker(), nil
	case "redis":
		return taskqueue.NewRedisBroker(taskqueue.RedisConfig{
			Address:  cfg.Broker.Redis.Address,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
		})
	case "rabbitmq":
		return taskqueue.NewRabbitBroker(taskqueue.RabbitConfig{
			URL:      cfg.Broker.RabbitMQ.URL,
			Exchange: cfg.Broker.RabbitMQ.Exchange,
			Prefetch: cfg.Broker.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Broker.Driver)
	}
}
