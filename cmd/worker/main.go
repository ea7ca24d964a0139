// Package main provides the worker application entry point. The worker
// consumes the stage topics (collect, process, publish) and runs the
// delayed takedown server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/subdigest/subdigest/internal/adapter/blog"
	"github.com/subdigest/subdigest/internal/adapter/forum"
	"github.com/subdigest/subdigest/internal/adapter/llm"
	asynqq "github.com/subdigest/subdigest/internal/adapter/queue/asynq"
	"github.com/subdigest/subdigest/internal/adapter/queue/redpanda"
	"github.com/subdigest/subdigest/internal/adapter/repo/postgres"
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

	// Worker metrics on a sidecar port.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

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

	forumClient, err := forum.New(cfg)
	if err != nil {
		slog.Error("forum client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	llmClient, err := llm.New(cfg)
	if err != nil {
		slog.Error("llm client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	blogClient, err := blog.New(cfg)
	if err != nil {
		slog.Error("blog client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	rehoster := blog.NewImageRehoster(&http.Client{Timeout: cfg.HTTPTimeout}, blogClient.UploadImage)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "subdigest-worker")
	if err != nil {
		slog.Error("producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	delayed, err := asynqq.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("delayed queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = delayed.Close() }()

	collector := usecase.NewCollector(cfg, forumClient, postRepo, logRepo, ledger, producer)
	processor := usecase.NewProcessor(cfg, postRepo, logRepo, llmClient, ledger, producer)
	publisher := usecase.NewPublisher(cfg, postRepo, logRepo, blogClient, rehoster, blog.NormalizeTags)
	takedown := usecase.NewTakedown(postRepo, logRepo, blogClient, delayed, publisher, notifier)

	consumers := []*redpanda.Consumer{
		mustConsumer(cfg.KafkaBrokers, "subdigest-collect", redpanda.TopicCollect, cfg.CollectConcurrency,
			func(ctx context.Context, item domain.WorkItem) error {
				return collector.CollectSubreddit(ctx, item.Subreddit)
			}),
		mustConsumer(cfg.KafkaBrokers, "subdigest-process", redpanda.TopicProcess, cfg.ProcessConcurrency,
			func(ctx context.Context, item domain.WorkItem) error {
				return processor.ProcessPost(ctx, item.PostID)
			}),
		mustConsumer(cfg.KafkaBrokers, "subdigest-publish", redpanda.TopicPublish, cfg.PublishConcurrency,
			func(ctx context.Context, item domain.WorkItem) error {
				return publisher.PublishPost(ctx, item.PostID)
			}),
	}

	takedownWorker, err := asynqq.NewWorker(cfg.RedisURL, takedown, logRepo, notifier)
	if err != nil {
		slog.Error("takedown worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, c := range consumers {
		c := c
		go func() {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("consumer stopped", slog.Any("error", err))
			}
		}()
	}
	go func() {
		if err := takedownWorker.Run(); err != nil {
			slog.Error("takedown worker stopped", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker")
	takedownWorker.Shutdown()
	for _, c := range consumers {
		c.Close()
	}
}

func mustConsumer(brokers []string, group, topic string, workers int, handler redpanda.Handler) *redpanda.Consumer {
	c, err := redpanda.NewConsumer(brokers, group, topic, workers, handler)
	if err != nil {
		slog.Error("consumer init failed", slog.String("topic", topic), slog.Any("error", err))
		os.Exit(1)
	}
	return c
}
