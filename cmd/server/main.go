package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/api"
	"github.com/zammer/payout-engine/internal/config"
	"github.com/zammer/payout-engine/internal/gateway"
	payoutkafka "github.com/zammer/payout-engine/internal/kafka"
	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/repository"
	"github.com/zammer/payout-engine/internal/scheduler"
	"github.com/zammer/payout-engine/internal/service"
)

func main() {
	// Setup logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load config
	cfg := config.Load()

	// Setup Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	ctx := context.Background()

	// Create repository; fall back to in-memory storage when Redis is
	// not reachable so local development still works.
	var store repository.Store
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return redisClient.Ping(pingCtx).Err()
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		logger.Warn("Redis not available, batches will not survive restarts", zap.Error(err))
		store = repository.NewMemoryRepository()
	} else {
		store = repository.NewRedisRepository(redisClient)
	}

	// Create gateway client
	var gw gateway.Client
	switch cfg.GatewayType {
	case "http":
		gw = gateway.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, 30*time.Second)
	default:
		gw = gateway.NewSimulatedGateway(cfg.GatewayFailureRate, cfg.GatewayProcessingTime)
	}
	logger.Info("Using payment gateway", zap.String("gateway", gw.Name()))

	// Create services
	m := metrics.New(prometheus.DefaultRegisterer, "payout_engine")
	intake := service.NewIntake(store, logger, m)
	builder := service.NewBatchBuilder(store, store, logger, m, cfg.MaxBatchSize, cfg.ApprovalThreshold)
	approval := service.NewApprovalService(store, store, logger)
	submitter := service.NewSubmitter(store, store, gw, logger, m)
	reconciler := service.NewReconciler(store, store, gw, logger, m)

	// Create scheduler
	sched := scheduler.New(builder, submitter, reconciler, store, logger, m, cfg.SchedulerInterval)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := api.NewHandler(store, approval, submitter, logger)
	handler.SetupRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Create Kafka consumer
	kafkaConsumer := payoutkafka.NewConsumer(
		cfg.KafkaBrokers,
		cfg.KafkaTopicOwed,
		cfg.KafkaConsumerGroup,
		intake,
		logger,
	)

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Start scheduler
	schedCtx, cancelSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)

	// Start Kafka consumer
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	go func() {
		if err := kafkaConsumer.Start(consumerCtx); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	logger.Info("Payout engine started",
		zap.String("httpPort", cfg.HTTPPort),
		zap.Duration("schedulerInterval", cfg.SchedulerInterval),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	cancelSched()
	cancelConsumer()
	kafkaConsumer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("Payout engine stopped")
}
