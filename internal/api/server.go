package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"video-enhance-orchestrator/internal/config"
	"video-enhance-orchestrator/internal/models"
	"video-enhance-orchestrator/internal/queue"
	"video-enhance-orchestrator/internal/store"
	"video-enhance-orchestrator/internal/telemetry"
)

// Server wires the operational HTTP API: job inspection, cancellation, queue
// stats, and subscription management. Video submissions do not arrive here;
// they come in through the messaging transport.
type Server struct {
	cfg     config.Config
	store   *store.Store
	backlog *queue.Backlog
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, backlog *queue.Backlog) *Server {
	return &Server{cfg: cfg, store: st, backlog: backlog}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/stats", s.handleStats)
	r.Get("/backlog", s.handleBacklog)
	r.Post("/subscriptions", s.handleUpsertSubscription)
	return r
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := models.JobState(r.URL.Query().Get("state"))
	if state == "" {
		http.Error(w, "state query parameter is required", http.StatusBadRequest)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.store.ListByState(r.Context(), state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCancel removes a queued job outright; an in-flight job is forced to
// failed so the delivery worker runs the normal notice/cleanup/release path.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch job.State {
	case models.StateQueued:
		removed, err := s.store.DeleteQueued(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !removed {
			http.Error(w, "job left the queue concurrently", http.StatusConflict)
			return
		}
		_ = s.backlog.Remove(r.Context(), id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case models.StateScheduled, models.StateMonitoring:
		if err := s.store.FailJob(r.Context(), id, job.State, "cancelled by owner"); err != nil {
			if errors.Is(err, store.ErrConflict) {
				http.Error(w, "job transitioned concurrently", http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = s.store.AppendAudit(r.Context(), id, "cancelled", "forced to failed by cancel request")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	default:
		http.Error(w, "job is already finished", http.StatusConflict)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	active, err := s.store.CountActive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	depth, err := s.backlog.Depth(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"states":        counts,
		"active_slots":  active,
		"global_limit":  s.cfg.MaxConcurrentGlobal,
		"backlog_depth": depth,
	})
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	ids, err := s.backlog.Peek(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

type subscriptionRequest struct {
	UserID      int64  `json:"user_id"`
	Tier        string `json:"tier"`
	MaxChannels int    `json:"max_channels"`
	Months      int    `json:"months"`
}

// handleUpsertSubscription is the write path the external purchase flow calls
// once a payment clears.
func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	switch models.Tier(req.Tier) {
	case models.TierBasic, models.TierPlus, models.TierPro:
	default:
		http.Error(w, "tier must be basic, plus, or pro", http.StatusBadRequest)
		return
	}
	if req.Months <= 0 {
		req.Months = 1
	}
	if req.MaxChannels <= 0 {
		req.MaxChannels = 1
	}

	expires := time.Now().UTC().AddDate(0, req.Months, 0)
	sub, err := s.store.UpsertSubscription(r.Context(), req.UserID, models.Tier(req.Tier),
		req.MaxChannels, s.cfg.SlotsForTier(req.Tier), expires)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
