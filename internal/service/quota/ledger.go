// Package quota implements the per-service daily budget ledger on Redis.
//
// Counters are keyed service:UTC-date and expire at the next UTC midnight.
// Increments are atomic (single Lua script) and each of the 80% and 100%
// thresholds fires at most once per UTC day.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/observability"
)

// Ledger is the Redis-backed daily quota counter with an optional Postgres
// mirror of the daily_quota table for operator queries.
type Ledger struct {
	redis    *redis.Client
	pool     *pgxpool.Pool
	limits   map[string]int64
	notifier domain.AlertNotifier
	script   *redis.Script
	now      func() time.Time
}

// NewLedger constructs a Ledger. pool and notifier may be nil.
func NewLedger(rdb *redis.Client, pool *pgxpool.Pool, limits map[string]int64, notifier domain.AlertNotifier) *Ledger {
	if rdb == nil {
		return nil
	}
	if limits == nil {
		limits = map[string]int64{}
	}
	return &Ledger{
		redis:    rdb,
		pool:     pool,
		limits:   limits,
		notifier: notifier,
		script:   redis.NewScript(luaDailyCounterScript),
		now:      time.Now,
	}
}

// The script increments the counter, reaffirms the UTC-midnight expiry and
// decides threshold crossings in one atomic step. A refusal rolls the
// increment back unless it is the first crossing of the cap, so at most one
// increment races past the limit.
const luaDailyCounterScript = `
local counter_key = KEYS[1]
local alert80_key = KEYS[2]
local alert100_key = KEYS[3]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local expire_at = tonumber(ARGV[3])

local total = redis.call("INCRBY", counter_key, cost)
redis.call("EXPIREAT", counter_key, expire_at)

local allowed = 1
if total > limit then
  allowed = 0
  local before = total - cost
  if before > limit then
    total = redis.call("DECRBY", counter_key, cost)
  end
end

local fire80 = 0
if limit > 0 and total * 10 >= limit * 8 then
  if redis.call("SETNX", alert80_key, 1) == 1 then
    redis.call("EXPIREAT", alert80_key, expire_at)
    fire80 = 1
  end
end

local fire100 = 0
if total >= limit then
  if redis.call("SETNX", alert100_key, 1) == 1 then
    redis.call("EXPIREAT", alert100_key, expire_at)
    fire100 = 1
  end
end

return { total, allowed, fire80, fire100 }
`

// Reserve atomically charges cost against the service's daily cap. The
// request is refused when it would exceed the cap; threshold alerts fire
// once per UTC day.
func (l *Ledger) Reserve(ctx context.Context, service string, cost int64) (bool, int64, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	limit, ok := l.limits[service]
	if !ok || limit <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := l.now().UTC()
	date := now.Format("2006-01-02")
	expireAt := nextUTCMidnight(now).Unix()

	counterKey := fmt.Sprintf("quota:%s:%s", service, date)
	alert80Key := counterKey + ":alert80"
	alert100Key := counterKey + ":alert100"

	res, err := l.script.Run(ctx, l.redis,
		[]string{counterKey, alert80Key, alert100Key},
		cost, limit, expireAt,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("op=quota.Reserve: %w: %v", domain.ErrTransient, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		return false, 0, fmt.Errorf("op=quota.Reserve: unexpected script result %v", res)
	}
	total := toInt64(vals[0])
	allowed := toInt64(vals[1]) == 1
	fire80 := toInt64(vals[2]) == 1
	fire100 := toInt64(vals[3]) == 1

	observability.QuotaUsed.WithLabelValues(service).Set(float64(total))
	if !allowed {
		observability.QuotaRefusalsTotal.WithLabelValues(service).Inc()
	}

	if fire80 && l.notifier != nil {
		l.notifier.Notify(ctx, "quota 80% threshold",
			fmt.Sprintf("%s usage crossed 80%% of the daily cap", service),
			map[string]string{"service": service, "used": fmt.Sprint(total), "limit": fmt.Sprint(limit)})
	}
	if fire100 && l.notifier != nil {
		l.notifier.Notify(ctx, "quota exhausted",
			fmt.Sprintf("%s daily cap reached; cycle suspended until next UTC day", service),
			map[string]string{"service": service, "used": fmt.Sprint(total), "limit": fmt.Sprint(limit)})
	}

	if l.pool != nil {
		l.mirrorToPostgres(ctx, service, date, total, limit)
	}
	return allowed, total, nil
}

// Usage returns the current counter and configured limit for the service.
func (l *Ledger) Usage(ctx context.Context, service string) (int64, int64, error) {
	if l == nil || l.redis == nil {
		return 0, 0, nil
	}
	limit := l.limits[service]
	date := l.now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("quota:%s:%s", service, date)
	used, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, limit, nil
	}
	if err != nil {
		return 0, limit, fmt.Errorf("op=quota.Usage: %w: %v", domain.ErrTransient, err)
	}
	return used, limit, nil
}

func (l *Ledger) mirrorToPostgres(ctx context.Context, service, date string, used, limit int64) {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO daily_quota (service, utc_date, used, quota_limit)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (service, utc_date) DO UPDATE SET
		   used = EXCLUDED.used,
		   quota_limit = EXCLUDED.quota_limit`,
		service, date, used, limit,
	)
	if err != nil {
		slog.Error("failed to mirror quota counter to postgres", slog.String("service", service), slog.Any("error", err))
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
