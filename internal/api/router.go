// Package api exposes jobs, comments and enrichment over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/jobintel/internal/enrich"
	"github.com/kalambet/jobintel/internal/storage"
)

const maxRequestBodySize = 5 << 20 // 5MB

// Store is the persistence surface the handlers use.
type Store interface {
	CreateJob(ctx context.Context, job storage.Job) (storage.Job, error)
	GetJob(ctx context.Context, id string) (storage.Job, error)
	GetJobByExternalID(ctx context.Context, jobID string) (storage.Job, error)
	DeleteJob(ctx context.Context, id string) error
	CreateComment(ctx context.Context, c storage.Comment) (storage.Comment, error)
	ListComments(ctx context.Context, jobID string) ([]storage.Comment, error)
	EnqueueTask(ctx context.Context, task storage.Task) error
}

// Enricher returns the cached or freshly computed enrichment for a job.
type Enricher interface {
	Get(ctx context.Context, job storage.Job, forceRefresh bool) enrich.Result
}

type Deps struct {
	Store    Store
	Enricher Enricher
	// AdminToken guards /admin routes. They are not mounted when empty.
	AdminToken  string
	MaxAttempts int
	Logger      *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewHandler returns the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.logger()))

	r.Get("/health", handleHealth)
	r.Post("/jobs", handleCreateJob(deps))
	r.Post("/jobs/comments", handleCreateComments(deps))
	r.Get("/jobs/detail", handleJobDetail(deps))

	if deps.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(deps.AdminToken))
			r.Delete("/jobs/{job_id}", handleDeleteJob(deps))
		})
	}

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"message": fmt.Sprintf(format, args...),
		"success": true,
	})
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"message": fmt.Sprintf(format, args...),
		"success": false,
	})
}
