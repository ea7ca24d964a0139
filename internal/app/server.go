package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/subdigest/subdigest/internal/domain"
	"github.com/subdigest/subdigest/internal/usecase"
)

// ReadinessCheck probes one dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	takedown *usecase.Takedown
	logs     domain.ProcessingLogRepository
	quota    domain.QuotaLedger
	checks   []ReadinessCheck
}

// NewServer constructs the ops server.
func NewServer(takedown *usecase.Takedown, logs domain.ProcessingLogRepository,
	quota domain.QuotaLedger, checks []ReadinessCheck) *Server {
	return &Server{takedown: takedown, logs: logs, quota: quota, checks: checks}
}

// RequestTakedownHandler starts the two-stage takedown for a post.
func (s *Server) RequestTakedownHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.takedown.Request(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"post_id": id,
			"status":  string(domain.TakedownPending),
		})
	}
}

// CancelTakedownHandler reverses a pending takedown.
func (s *Server) CancelTakedownHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.takedown.Cancel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"post_id": id,
			"status":  string(domain.TakedownActive),
		})
	}
}

type pendingTakedown struct {
	PostID       string     `json:"post_id"`
	SourcePostID string     `json:"source_post_id"`
	Subreddit    string     `json:"subreddit"`
	Title        string     `json:"title"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// PendingTakedownsHandler lists posts waiting for stage 2.
func (s *Server) PendingTakedownsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		posts, err := s.takedown.ListPending(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]pendingTakedown, 0, len(posts))
		for _, p := range posts {
			out = append(out, pendingTakedown{
				PostID:       p.ID,
				SourcePostID: p.SourcePostID,
				Subreddit:    p.Subreddit,
				Title:        p.Title,
				Deadline:     p.TakedownDeadline,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"pending": out})
	}
}

type logEntry struct {
	ServiceName  string         `json:"service_name"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PostLogsHandler exposes the audit trail for one post.
func (s *Server) PostLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entries, err := s.logs.ListByPostID(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]logEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, logEntry{
				ServiceName:  e.ServiceName,
				Status:       string(e.Status),
				ErrorMessage: e.ErrorMessage,
				Metadata:     e.Metadata,
				CreatedAt:    e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"post_id": id, "logs": out})
	}
}

// QuotaHandler reports today's budget usage per service.
func (s *Server) QuotaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]map[string]int64{}
		for _, service := range []string{domain.ServiceForumCalls, domain.ServiceLLMTokens} {
			used, limit, err := s.quota.Usage(r.Context(), service)
			if err != nil {
				writeError(w, err)
				return
			}
			out[service] = map[string]int64{"used": used, "limit": limit}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type readinessResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// ReadyzHandler runs every dependency probe and reports 503 if any fails.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make([]readinessResult, 0, len(s.checks))
		allOK := true
		for _, c := range s.checks {
			res := readinessResult{Name: c.Name, OK: true}
			if err := c.Check(ctx); err != nil {
				res.OK = false
				res.Details = err.Error()
				allOK = false
			}
			results = append(results, res)
		}

		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": allOK, "checks": results})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrPolicy):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
