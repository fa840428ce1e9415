package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/outreachly/outreachly/internal/config"
	"github.com/outreachly/outreachly/internal/database"
	"github.com/outreachly/outreachly/internal/dispatch"
	"github.com/outreachly/outreachly/internal/store"
	"github.com/outreachly/outreachly/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to postgres")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse redis URL", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("connected to redis")

	s := store.New(pool)
	dispatcher := dispatch.New(s.Subscriptions, s.Attempts, s.Events, worker.NewRedisQueue(rdb), logger, dispatch.Options{
		MaxAttempts:     cfg.MaxAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})

	w := worker.New(dispatcher, s.Events, rdb, cfg.WorkerConcurrency, cfg.PollInterval, logger)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}
	logger.Info("dispatch worker started", zap.Int("concurrency", cfg.WorkerConcurrency))

	// Minimal health endpoint for liveness probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	healthSrv := &http.Server{
		Addr:    ":8081",
		Handler: healthMux,
	}

	go func() {
		logger.Info("worker health server listening", zap.String("port", "8081"))
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", zap.Error(err))
	}
	logger.Info("worker stopped")
}
