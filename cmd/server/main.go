// Package main provides the ops HTTP server entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/subdigest/subdigest/internal/adapter/blog"
	asynqq "github.com/subdigest/subdigest/internal/adapter/queue/asynq"
	"github.com/subdigest/subdigest/internal/adapter/repo/postgres"
	"github.com/subdigest/subdigest/internal/app"
	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
	"github.com/subdigest/subdigest/internal/service/alert"
	"github.com/subdigest/subdigest/internal/service/quota"
	"github.com/subdigest/subdigest/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting ops server", slog.String("env", cfg.AppEnv), slog.Int("port", cfg.Port))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()

	notifier := alert.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.HTTPTimeout)
	postRepo := postgres.NewPostRepo(pool)
	logRepo := postgres.NewLogRepo(pool)
	ledger := quota.NewLedger(rdb, pool, map[string]int64{
		domain.ServiceForumCalls: cfg.ForumDailyCallsLimit,
		domain.ServiceLLMTokens:  cfg.LLMDailyTokensLimit,
	}, notifier)

	blogClient, err := blog.New(cfg)
	if err != nil {
		slog.Error("blog client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	rehoster := blog.NewImageRehoster(&http.Client{Timeout: cfg.HTTPTimeout}, blogClient.UploadImage)

	delayed, err := asynqq.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("delayed queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = delayed.Close() }()

	publisher := usecase.NewPublisher(cfg, postRepo, logRepo, blogClient, rehoster, blog.NormalizeTags)
	takedown := usecase.NewTakedown(postRepo, logRepo, blogClient, delayed, publisher, notifier)

	checks := []app.ReadinessCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	srv := app.NewServer(takedown, logRepo, ledger, checks)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down ops server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", slog.Any("error", err))
	}
}
