// Package api serves run submission and the run-history API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"workitem-pipeline/internal/config"
	"workitem-pipeline/internal/history"
	"workitem-pipeline/internal/models"
	"workitem-pipeline/internal/queue"
	"workitem-pipeline/internal/ratelimit"
	"workitem-pipeline/internal/store"
	"workitem-pipeline/internal/telemetry"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Repository is the read and submit surface of the work item store.
// *store.Store implements it.
type Repository interface {
	CreateRun(ctx context.Context) (models.Run, error)
	CreateItem(ctx context.Context, runID, stage string, payload models.Payload) (models.WorkItem, error)
	GetItem(ctx context.Context, id string) (models.WorkItem, error)
	ListStepRuns(ctx context.Context, runID string, limit, offset int) ([]models.StepRun, error)
	ListRunItems(ctx context.Context, runID, stage string, limit, offset int) ([]models.WorkItem, error)
}

// Queue is the part of the Redis queue the API touches.
type Queue interface {
	Enqueue(ctx context.Context, itemID, inbox string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for run submission and history.
type Server struct {
	cfg     config.Config
	repo    Repository
	queue   Queue
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, repo Repository, q Queue, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		repo:    repo,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(func(*http.Request) string { return s.cfg.WorkspaceID }, s.logger))
		}
		r.Post("/runs", s.handleSubmitRun)
		r.Get("/runs/{id}/items", s.handleRunItems)
		r.Get("/dlq", s.handleDLQ)
	})

	r.Route("/api/v1/workspaces/{workspaceID}", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(func(r *http.Request) string { return chi.URLParam(r, "workspaceID") }, s.logger))
		}
		r.Get("/step-runs", s.handleStepRuns)
		r.Get("/work-items", s.handleWorkItems)
		r.Get("/work-items/{id}", s.handleWorkItem)
	})
	return r
}

type submitRequest struct {
	Files []string `json:"files"`
}

type submitResponse struct {
	Run   models.Run      `json:"run"`
	Input models.WorkItem `json:"input"`
}

// handleSubmitRun creates a run and queues its Producer input item.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	run, err := s.repo.CreateRun(r.Context())
	if err != nil {
		s.serverError(w, "create run", err)
		return
	}
	files := req.Files
	if files == nil {
		files = []string{}
	}
	input, err := s.repo.CreateItem(r.Context(), run.ID, models.StageProducer, models.Payload{models.FieldFiles: files})
	if err != nil {
		s.serverError(w, "create input item", err)
		return
	}
	if err := s.queue.Enqueue(r.Context(), input.ID, queue.InboxKey(run.ID, models.StageProducer)); err != nil {
		s.serverError(w, "enqueue input item", err)
		return
	}
	telemetry.ItemsCreated.WithLabelValues(models.StageProducer).Inc()
	s.logger.Info("run submitted", "run_id", run.ID, "files", len(files))
	writeJSON(w, http.StatusAccepted, submitResponse{Run: run, Input: input})
}

func (s *Server) handleRunItems(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}
	items, err := s.repo.ListRunItems(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("stage"), limit+1, offset)
	if err != nil {
		s.serverError(w, "list run items", err)
		return
	}
	writeJSON(w, http.StatusOK, pageOf(items, limit, offset))
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStepRuns(w http.ResponseWriter, r *http.Request) {
	runID, limit, offset, ok := historyParams(w, r)
	if !ok {
		return
	}
	runs, err := s.repo.ListStepRuns(r.Context(), runID, limit+1, offset)
	if err != nil {
		s.serverError(w, "list step runs", err)
		return
	}
	records := make([]history.StepRunRecord, 0, len(runs))
	for _, sr := range runs {
		records = append(records, history.StepRunRecord{ID: sr.ID, Step: history.StepRef{Name: sr.StepName}})
	}
	writeJSON(w, http.StatusOK, pageOf(records, limit, offset))
}

func (s *Server) handleWorkItems(w http.ResponseWriter, r *http.Request) {
	runID, limit, offset, ok := historyParams(w, r)
	if !ok {
		return
	}
	items, err := s.repo.ListRunItems(r.Context(), runID, "", limit+1, offset)
	if err != nil {
		s.serverError(w, "list work items", err)
		return
	}
	records := make([]history.WorkItemRecord, 0, len(items))
	for _, it := range items {
		records = append(records, history.RecordOf(it, false))
	}
	writeJSON(w, http.StatusOK, pageOf(records, limit, offset))
}

func (s *Server) handleWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.repo.GetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "work item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "get work item", err)
		return
	}
	includeData, _ := strconv.ParseBool(r.URL.Query().Get("include_data"))
	writeJSON(w, http.StatusOK, history.RecordOf(item, includeData))
}

// authenticate accepts only the configured workspace and its API key.
func (s *Server) authenticate(next http.Handler) http.Handler {
	expected := []byte(history.AuthScheme + " " + s.cfg.WorkspaceAPIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "workspaceID") != s.cfg.WorkspaceID {
			http.Error(w, "unknown workspace", http.StatusNotFound)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if s.cfg.WorkspaceAPIKey == "" || subtle.ConstantTimeCompare(got, expected) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func historyParams(w http.ResponseWriter, r *http.Request) (runID string, limit, offset int, ok bool) {
	runID = r.URL.Query().Get("process_run_id")
	if runID == "" {
		http.Error(w, "process_run_id is required", http.StatusBadRequest)
		return "", 0, 0, false
	}
	limit, offset, ok = pageParams(w, r)
	return runID, limit, offset, ok
}

// pageParams reads limit and the opaque cursor, which is the offset of the next page.
func pageParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	limit = defaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("cursor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// pageOf trims a listing fetched with limit+1 rows into a page.
func pageOf[T any](rows []T, limit, offset int) history.Page[T] {
	page := history.Page[T]{Data: rows}
	if page.Data == nil {
		page.Data = []T{}
	}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.HasMore = true
		page.Next = strconv.Itoa(offset + limit)
	}
	return page
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "err", err)
	http.Error(w, op+" failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
