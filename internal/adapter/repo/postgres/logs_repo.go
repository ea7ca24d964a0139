package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/subdigest/subdigest/internal/domain"
)

// LogRepo reads and appends processing log entries outside post-mutating
// transactions. Entries tied to a post mutation go through PostRepo.
type LogRepo struct{ Pool PgxPool }

// NewLogRepo constructs a LogRepo with the given pool.
func NewLogRepo(p PgxPool) *LogRepo { return &LogRepo{Pool: p} }

// Append inserts a standalone processing log entry.
func (r *LogRepo) Append(ctx domain.Context, entry domain.ProcessingLog) error {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Append")
	defer span.End()
	q, args, err := logInsert(entry)
	if err != nil {
		return fmt.Errorf("op=log.append: %w", err)
	}
	if _, err := r.Pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=log.append: %w", err)
	}
	return nil
}

// ListByPostID returns all entries for a post in commit order.
func (r *LogRepo) ListByPostID(ctx domain.Context, postID string) ([]domain.ProcessingLog, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ListByPostID")
	defer span.End()
	q := `SELECT id, post_id, service_name, status, COALESCE(error_message,''), processing_time_ms, metadata, created_at
		FROM processing_logs WHERE post_id=$1 ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, postID)
	if err != nil {
		return nil, fmt.Errorf("op=log.list: %w", err)
	}
	defer rows.Close()
	var entries []domain.ProcessingLog
	for rows.Next() {
		var e domain.ProcessingLog
		var meta []byte
		if err := rows.Scan(&e.ID, &e.PostID, &e.ServiceName, &e.Status, &e.ErrorMessage,
			&e.ProcessingTimeMS, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=log.list: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("op=log.list: metadata decode: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=log.list: %w", err)
	}
	return entries, nil
}

// appendLogTx writes a processing log entry inside an open transaction.
func appendLogTx(ctx context.Context, tx pgx.Tx, entry domain.ProcessingLog) error {
	q, args, err := logInsert(entry)
	if err != nil {
		return fmt.Errorf("op=log.append_tx: %w", err)
	}
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=log.append_tx: %w", err)
	}
	return nil
}

func logInsert(entry domain.ProcessingLog) (string, []any, error) {
	id := entry.ID
	if id == "" {
		id = newLogID()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var meta []byte
	if entry.Metadata != nil {
		var err error
		meta, err = json.Marshal(entry.Metadata)
		if err != nil {
			return "", nil, err
		}
	}
	q := `INSERT INTO processing_logs (id, post_id, service_name, status, error_message, processing_time_ms, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	return q, []any{id, entry.PostID, entry.ServiceName, entry.Status, entry.ErrorMessage,
		entry.ProcessingTimeMS, meta, createdAt}, nil
}

func newLogID() string {
	return ulid.Make().String()
}
