package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/outreachly/outreachly/internal/config"
	"github.com/outreachly/outreachly/internal/database"
	"github.com/outreachly/outreachly/internal/dispatch"
	"github.com/outreachly/outreachly/internal/handler"
	"github.com/outreachly/outreachly/internal/oauth"
	"github.com/outreachly/outreachly/internal/store"
	"github.com/outreachly/outreachly/internal/worker"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the dispatch worker in-process")
	flag.Parse()

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
	manager := oauth.NewManager(s.Credentials, oauth.NewHTTPTokenClient(nil), cfg, logger)
	queue := worker.NewRedisQueue(rdb)
	dispatcher := dispatch.New(s.Subscriptions, s.Attempts, s.Events, queue, logger, dispatch.Options{
		MaxAttempts:     cfg.MaxAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})

	oauthH := handler.NewOAuthHandler(manager)
	subH := handler.NewSubscriptionHandler(dispatcher, s)
	eventH := handler.NewEventHandler(dispatcher)

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	// OAuth callback sits outside /api: it arrives via browser redirect.
	r.GET("/oauth/callback", oauthH.Callback)

	api := r.Group("/api", handler.RequireUser())
	{
		oauthGroup := api.Group("/oauth")
		{
			oauthGroup.GET("/connections", oauthH.Connections)
			oauthGroup.GET("/:provider/connect", oauthH.Connect)
			oauthGroup.DELETE("/:provider", oauthH.Disconnect)
		}
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("", subH.Create)
			webhooks.GET("", subH.List)
			webhooks.POST("/test", subH.Test)
			webhooks.GET("/:id", subH.Get)
			webhooks.PATCH("/:id", subH.Update)
			webhooks.DELETE("/:id", subH.Delete)
			webhooks.GET("/:id/attempts", subH.ListAttempts)
		}
		api.POST("/events", eventH.Publish)
	}

	// Optionally run the dispatch worker in-process for local development
	if *withWorker {
		w := worker.New(dispatcher, s.Events, rdb, cfg.WorkerConcurrency, cfg.PollInterval, logger)
		if err := w.Start(ctx); err != nil {
			logger.Fatal("failed to start worker", zap.Error(err))
		}
		logger.Info("dispatch worker started", zap.Int("concurrency", cfg.WorkerConcurrency))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("api server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("api server stopped")
}
