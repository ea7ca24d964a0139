package redpanda

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
)

// LagFunc reports the current lag of one consumer group on one topic.
type LagFunc func(ctx context.Context, group, topic string) (int64, error)

// LagMonitor alerts when a consumer group's lag stays above the threshold
// for a sustained window. A single spiked sample only arms the window; the
// alert fires once per episode and re-arms after the lag drops back under
// the threshold.
type LagMonitor struct {
	fetch     LagFunc
	notifier  domain.AlertNotifier
	threshold int64
	window    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	since map[string]time.Time
	fired map[string]bool
}

// NewLagMonitor constructs a monitor over the given lag source.
func NewLagMonitor(fetch LagFunc, notifier domain.AlertNotifier, threshold int64, window time.Duration) *LagMonitor {
	return &LagMonitor{
		fetch:     fetch,
		notifier:  notifier,
		threshold: threshold,
		window:    window,
		now:       time.Now,
		since:     map[string]time.Time{},
		fired:     map[string]bool{},
	}
}

// Sample measures every watched group once. groups maps a consumer group
// to the topic it consumes.
func (m *LagMonitor) Sample(ctx context.Context, groups map[string]string) {
	for group, topic := range groups {
		lag, err := m.fetch(ctx, group, topic)
		if err != nil {
			slog.Warn("queue lag fetch failed", slog.String("group", group), slog.Any("error", err))
			continue
		}
		observability.QueueDepth.WithLabelValues(topic).Set(float64(lag))
		m.observe(ctx, group, topic, lag)
	}
}

func (m *LagMonitor) observe(ctx context.Context, group, topic string, lag int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lag <= m.threshold {
		delete(m.since, group)
		delete(m.fired, group)
		return
	}

	first, ok := m.since[group]
	if !ok {
		m.since[group] = m.now()
		return
	}
	if m.fired[group] || m.now().Sub(first) < m.window {
		return
	}
	m.fired[group] = true
	m.notifier.Notify(ctx, "queue backlog",
		"stage queue lag stayed above the threshold for the alert window",
		map[string]string{
			"group":     group,
			"topic":     topic,
			"lag":       strconv.FormatInt(lag, 10),
			"threshold": strconv.FormatInt(m.threshold, 10),
			"window":    m.window.String(),
		})
}
