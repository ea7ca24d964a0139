// Package main provides the scheduler entry point. The scheduler fires
// the collection cron, scans takedown SLA deadlines and watches the
// stage queues for backlog.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/subdigest/subdigest/internal/adapter/blog"
	asynqq "github.com/subdigest/subdigest/internal/adapter/queue/asynq"
	"github.com/subdigest/subdigest/internal/adapter/queue/redpanda"
	"github.com/subdigest/subdigest/internal/adapter/repo/postgres"
	"github.com/subdigest/subdigest/internal/config"
	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
	"github.com/subdigest/subdigest/internal/service/alert"
	"github.com/subdigest/subdigest/internal/usecase"
)

// Consumer groups watched for backlog, keyed to the topic each consumes.
var watchedGroups = map[string]string{
	"subdigest-collect": redpanda.TopicCollect,
	"subdigest-process": redpanda.TopicProcess,
	"subdigest-publish": redpanda.TopicPublish,
}

// lagSampleInterval is how often group lag is sampled. It stays well under
// the alert window so a sustained backlog is observed several times before
// the monitor fires.
const lagSampleInterval = time.Minute

// requeueMinAge keeps posts collected moments before the sweep from being
// enqueued twice.
const requeueMinAge = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("scheduler metrics server error", slog.Any("error", err))
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

	slog.Info("starting scheduler", slog.String("env", cfg.AppEnv),
		slog.String("collect_cron", cfg.CollectCron))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	notifier := alert.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.HTTPTimeout)
	postRepo := postgres.NewPostRepo(pool)
	logRepo := postgres.NewLogRepo(pool)

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

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, "subdigest-scheduler")
	if err != nil {
		slog.Error("producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	admClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...))
	if err != nil {
		slog.Error("admin client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer admClient.Close()
	adm := kadm.NewClient(admClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	if _, err := c.AddFunc(cfg.CollectCron, func() {
		enqueueCollectAll(ctx, producer, cfg.Communities)
	}); err != nil {
		slog.Error("cron registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := c.AddFunc(cfg.RequeueCron, func() {
		n, err := usecase.RequeueCollected(ctx, postRepo, producer, requeueMinAge)
		if err != nil {
			slog.Error("requeue sweep failed", slog.Any("error", err))
			return
		}
		slog.Info("requeue sweep done", slog.Int("requeued", n))
	}); err != nil {
		slog.Error("cron registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	go runEvery(ctx, cfg.SLAScanInterval, func() {
		if err := takedown.ScanSLA(ctx); err != nil {
			slog.Error("sla scan failed", slog.Any("error", err))
		}
	})

	monitor := redpanda.NewLagMonitor(func(ctx context.Context, group, topic string) (int64, error) {
		return groupLag(ctx, adm, group, topic)
	}, notifier, cfg.QueueDepthThreshold, cfg.QueueDepthWindow)
	go runEvery(ctx, lagSampleInterval, func() {
		monitor.Sample(ctx, watchedGroups)
	})

	<-ctx.Done()
	slog.Info("shutting down scheduler")
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func enqueueCollectAll(ctx context.Context, producer *redpanda.Producer, communities []string) {
	for _, sub := range communities {
		item := domain.WorkItem{Stage: domain.StageCollect, Subreddit: sub}
		if err := producer.EnqueueCollect(ctx, item); err != nil {
			slog.Error("collect enqueue failed", slog.String("subreddit", sub), slog.Any("error", err))
			continue
		}
		slog.Info("collect enqueued", slog.String("subreddit", sub))
	}
}

// groupLag compares one stage group's committed offsets against the topic
// end offsets, summing the positive per-partition deltas.
func groupLag(ctx context.Context, adm *kadm.Client, group, topic string) (int64, error) {
	committed, err := adm.FetchOffsetsForTopics(ctx, group, topic)
	if err != nil {
		return 0, err
	}
	ends, err := adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, err
	}
	var lag int64
	ends.Each(func(end kadm.ListedOffset) {
		var at int64
		if o, ok := committed.Lookup(end.Topic, end.Partition); ok && o.At > 0 {
			at = o.At
		}
		if d := end.Offset - at; d > 0 {
			lag += d
		}
	})
	return lag, nil
}
