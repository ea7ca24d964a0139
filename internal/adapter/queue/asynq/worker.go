package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/subdigest/subdigest/internal/domain"
)

// Stage2Executor completes a takedown for one post.
type Stage2Executor interface {
	ExecuteTakedownStage2(ctx domain.Context, postID string) error
}

// retrySchedule holds the fixed stage-2 retry delays. Attempt n (0-based)
// waits retrySchedule[n] before running again.
var retrySchedule = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	40 * time.Minute,
	80 * time.Minute,
}

// Worker runs the delayed-task server for takedown stage-2.
type Worker struct {
	srv      *asynq.Server
	executor Stage2Executor
	logs     domain.ProcessingLogRepository
	alerts   domain.AlertNotifier
}

// NewWorker builds the asynq server with the stage-2 retry schedule.
func NewWorker(redisURL string, executor Stage2Executor, logs domain.ProcessingLogRepository, alerts domain.AlertNotifier) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynq.NewWorker: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:    2,
		RetryDelayFunc: stage2RetryDelay,
		Logger:         slogAdapter{},
	})
	return &Worker{srv: srv, executor: executor, logs: logs, alerts: alerts}, nil
}

// Run blocks serving tasks until Shutdown.
func (w *Worker) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeTakedownStage2, w.handleStage2)
	if err := w.srv.Run(mux); err != nil {
		return fmt.Errorf("op=asynq.worker_run: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

func (w *Worker) handleStage2(ctx context.Context, t *asynq.Task) error {
	var p stage2Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=asynq.handle_stage2: payload: %w: %v", asynq.SkipRetry, err)
	}

	err := w.executor.ExecuteTakedownStage2(ctx, p.PostID)
	if err == nil {
		return nil
	}
	if !domain.Retryable(err) {
		// Terminal failures never heal on retry.
		w.escalate(ctx, p.PostID, err)
		return fmt.Errorf("op=asynq.handle_stage2: %w: %v", asynq.SkipRetry, err)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried >= maxRetry {
		w.escalate(ctx, p.PostID, err)
	}
	return fmt.Errorf("op=asynq.handle_stage2: %w", err)
}

// escalate records that the takedown needs an operator and pages the alert
// channel. The post stays in takedown_pending.
func (w *Worker) escalate(ctx context.Context, postID string, cause error) {
	entry := domain.ProcessingLog{
		PostID:       postID,
		ServiceName:  string(domain.StageTakedown),
		Status:       domain.LogFailed,
		ErrorMessage: cause.Error(),
		Metadata:     map[string]any{"requires_manual_intervention": true},
	}
	if err := w.logs.Append(ctx, entry); err != nil {
		slog.Error("audit append failed during escalation",
			slog.String("post_id", postID), slog.Any("error", err))
	}
	w.alerts.Notify(ctx, "takedown stage-2 exhausted",
		"takedown requires manual intervention",
		map[string]string{"post_id": postID, "error": cause.Error()})
}

// stage2RetryDelay returns the fixed delay for attempt n, clamping past
// the end of the schedule.
func stage2RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(retrySchedule) {
		return retrySchedule[len(retrySchedule)-1]
	}
	return retrySchedule[n]
}

// slogAdapter routes asynq's internal logging through slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...any) { slog.Debug(fmt.Sprint(args...)) }
func (slogAdapter) Info(args ...any)  { slog.Info(fmt.Sprint(args...)) }
func (slogAdapter) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...)) }
func (slogAdapter) Error(args ...any) { slog.Error(fmt.Sprint(args...)) }
func (slogAdapter) Fatal(args ...any) { slog.Error(fmt.Sprint(args...)) }

var _ asynq.Logger = slogAdapter{}
