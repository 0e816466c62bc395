package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// Store is the read side of the content store.
type Store interface {
	Get(ctx context.Context, id int64) (models.ContentItem, error)
	Count(ctx context.Context, p store.Predicate) (int, error)
	Ping(ctx context.Context) error
}

// Server exposes read-only pipeline state over HTTP.
type Server struct {
	store    Store
	pipe     *pipeline.Pipeline
	ceilings func(stage string, def int) int
	log      *zap.Logger
}

// New constructs the API server. ceilings may be nil to use stage defaults.
func New(st Store, pipe *pipeline.Pipeline, ceilings func(string, int) int, log *zap.Logger) *Server {
	if ceilings == nil {
		ceilings = func(_ string, def int) int { return def }
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: st, pipe: pipe, ceilings: ceilings, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/items/{id}", s.handleGetItem)
		r.Get("/stages", s.handleStages)
		r.Get("/stages/{stage}/backlog", s.handleBacklog)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type itemResponse struct {
	models.ContentItem
	Violations []string `json:"violations,omitempty"`
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	item, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("load item", zap.Int64("content_id", id), zap.Error(err))
		http.Error(w, "failed to load item", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{ContentItem: item, Violations: s.pipe.Violations(item)})
}

type stageResponse struct {
	Name           string   `json:"name"`
	CompletionFlag string   `json:"completion_flag"`
	InputFlags     []string `json:"input_flags"`
	InputQueue     string   `json:"input_queue,omitempty"`
	OutputQueue    string   `json:"output_queue,omitempty"`
	Ceiling        int      `json:"ceiling"`
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	stages := s.pipe.Stages()
	out := make([]stageResponse, 0, len(stages))
	for _, st := range stages {
		out = append(out, stageResponse{
			Name:           st.Name,
			CompletionFlag: st.CompletionFlag,
			InputFlags:     st.InputFlags,
			InputQueue:     st.InputQueue,
			OutputQueue:    st.OutputQueue,
			Ceiling:        s.ceilings(st.Name, st.Ceiling),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

type backlogResponse struct {
	Stage     string `json:"stage"`
	Eligible  int    `json:"eligible"`
	Backlog   int    `json:"backlog"`
	Ceiling   int    `json:"ceiling"`
	Throttled bool   `json:"throttled"`
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	stage, ok := s.pipe.Stage(chi.URLParam(r, "stage"))
	if !ok {
		http.Error(w, "unknown stage", http.StatusNotFound)
		return
	}
	eligible, err := s.store.Count(r.Context(), stage.SelectPredicate())
	if err != nil {
		s.log.Error("count eligible", zap.String("stage", stage.Name), zap.Error(err))
		http.Error(w, "failed to count", http.StatusInternalServerError)
		return
	}
	resp := backlogResponse{Stage: stage.Name, Eligible: eligible, Ceiling: s.ceilings(stage.Name, stage.Ceiling)}
	if stage.Gated() {
		n, err := s.store.Count(r.Context(), stage.GatePredicate())
		if err != nil {
			s.log.Error("count backlog", zap.String("stage", stage.Name), zap.Error(err))
			http.Error(w, "failed to count", http.StatusInternalServerError)
			return
		}
		resp.Backlog = n
		resp.Throttled = resp.Ceiling > 0 && n >= resp.Ceiling
	}
	writeJSON(w, http.StatusOK, resp)
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
