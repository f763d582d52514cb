package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/SissiFeng/ot2-piloting/experiment"
	"github.com/SissiFeng/ot2-piloting/message"
	"github.com/SissiFeng/ot2-piloting/scheduler"
)

// Historian serves past results, satisfied by storage.PostgresRecorder and
// storage.NopRecorder.
type Historian interface {
	History(ctx context.Context, userID string, limit int) ([]experiment.Result, error)
}

// Options configures a Server. Scheduler is required.
type Options struct {
	Scheduler *scheduler.Scheduler
	History   Historian
	// Metrics is the prometheus exposition handler.
	Metrics http.Handler
	// Healthy reports broker connectivity for the health endpoint.
	Healthy func() bool
	Logger  *slog.Logger
}

// Server is the HTTP and websocket front of the coordinator.
type Server struct {
	scheduler *scheduler.Scheduler
	history   Historian
	metrics   http.Handler
	healthy   func() bool
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "gateway")
	}
	return &Server{
		scheduler: opts.Scheduler,
		history:   opts.History,
		metrics:   opts.Metrics,
		healthy:   opts.Healthy,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/v1/experiments/ws", s.handleSubmitWS)
	r.Get("/v1/experiments", s.handleHistory)
	r.Get("/v1/experiments/{userID}/{experimentID}", s.handleStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.healthy != nil && !s.healthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":      status,
		"queue_depth": s.scheduler.Store().QueueDepth(),
		"open_tasks":  s.scheduler.Store().Open(),
	})
}

// handleStatus reports the live state of a queued or processing task.
// Terminal tasks are destroyed on result delivery, so a 404 here means
// unknown or already finished.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := message.Token{
		UserID:       chi.URLParam(r, "userID"),
		ExperimentID: chi.URLParam(r, "experimentID"),
	}
	task, ok := s.scheduler.Store().Task(token)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found",
			"no live task for "+token.String())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "history_unavailable",
			"no result store configured")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id",
			"query parameter user_id is required")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.history.History(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("history query failed", "user", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "history_failed", "could not load results")
		return
	}
	if results == nil {
		results = []experiment.Result{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, Code: code})
}
