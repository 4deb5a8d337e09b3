package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/dagrun/internal/application/operators"
	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/config"
	memoryevents "github.com/aescanero/dagrun/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/dagrun/pkg/adapters/events/redis"
	"github.com/aescanero/dagrun/pkg/adapters/llm/anthropic"
	"github.com/aescanero/dagrun/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/dagrun/pkg/adapters/storage/redis"
	"github.com/aescanero/dagrun/pkg/api/grpc"
	"github.com/aescanero/dagrun/pkg/api/http"
	"github.com/aescanero/dagrun/pkg/api/websocket"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting dagrun",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	stores := newStores(cfg, redisClient, logger)
	eventBus := newEventBus(cfg, redisClient, logger)
	metricsCollector := prometheus.NewCollector(nil)

	registry := operators.NewRegistry()
	if err := operators.RegisterBuiltins(registry); err != nil {
		logger.Fatal("failed to register builtin operators", zap.Error(err))
	}
	if cfg.LLM.APIKey != "" {
		op, err := anthropic.NewOperator(anthropic.Config{
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.DefaultModel,
			MaxTokens:  cfg.LLM.DefaultMaxTokens,
			BaseURL:    cfg.LLM.BaseURL,
			MaxRetries: cfg.LLM.MaxRetries,
		}, metricsCollector, logger)
		if err != nil {
			logger.Fatal("failed to create LLM operator", zap.Error(err))
		}
		if err := anthropic.Register(registry, op); err != nil {
			logger.Fatal("failed to register LLM operator", zap.Error(err))
		}
	} else {
		logger.Info("LLM_API_KEY not set, llm operator disabled")
	}

	orchestratorMgr := orchestrator.NewManager(
		orchestrator.Config{
			Capacity: domain.Capacity{
				CPU:    cfg.Resources.CPU,
				Memory: cfg.Resources.Memory,
				GPU:    cfg.Resources.GPU,
			},
			WorkerPoolSize:      cfg.Workers.PoolSize,
			HealthCheckInterval: cfg.Workers.HealthCheckInterval,
			PollInterval:        cfg.Scheduler.PollInterval,
			CancelGrace:         cfg.Workers.CancelGrace,
			Validation: orchestrator.ValidatorConfig{
				CPUWarnThreshold:     cfg.Validation.CPUWarnThreshold,
				LongRunningThreshold: cfg.Validation.LongRunningThreshold,
			},
		},
		stores,
		eventBus,
		registry,
		metricsCollector,
		logger,
	)

	if err := orchestratorMgr.Start(ctx); err != nil {
		logger.Fatal("failed to start orchestrator", zap.Error(err))
	}

	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eventBus, orchestratorMgr, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:          cfg.GRPCPort,
		Checker:       orchestratorMgr,
		ProbeInterval: cfg.Workers.HealthCheckInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("dagrun started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("storage", cfg.StorageBackend),
		zap.String("events", cfg.Events.Backend),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("dagrun shut down complete")
}

func newStores(cfg *config.Config, client *goredis.Client, logger *zap.Logger) orchestrator.Stores {
	if cfg.StorageBackend == "redis" {
		store := redisstorage.NewStore(client, cfg.Redis.RunTTL, logger)
		return orchestrator.Stores{Pipelines: store, Runs: store, Logs: store}
	}
	store := memory.NewStore()
	return orchestrator.Stores{Pipelines: store, Runs: store, Logs: store}
}

func newEventBus(cfg *config.Config, client *goredis.Client, logger *zap.Logger) ports.EventBus {
	if cfg.Events.Backend == "redis" {
		consumer := cfg.Events.ConsumerName
		if cfg.Events.ConsumerGroup != "" {
			consumer = fmt.Sprintf("%s-%d", consumer, os.Getpid())
		}
		return redisevents.NewStreamsEventBus(client, cfg.Events.ConsumerGroup, consumer, cfg.Events.StreamMaxLen, logger)
	}
	return memoryevents.NewEventBus(cfg.Events.BufferSize, logger)
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
