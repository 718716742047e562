// Package api provides the HTTP control surface for pipeline runs: status
// inspection plus the approve/cancel signals for the manual gate.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shiplane/shiplane/internal/shell/engine"
	"github.com/shiplane/shiplane/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// RunSignaler delivers approval-gate signals to a running controller.
type RunSignaler interface {
	Approve(runID string) error
	Cancel(runID string) error
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	store    store.Store
	signaler RunSignaler
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, signaler RunSignaler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    s,
		signaler: signaler,
		logger:   logger.With("component", "api"),
	}
}

// Router builds the chi router for the API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
			r.Post("/{id}/approve", h.handleApprove)
			r.Post("/{id}/cancel", h.handleCancel)
		})
	})

	return r
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), store.DefaultListOptions())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.signaler.Approve(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("run approved", "run_id", id)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "approved"})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.signaler.Cancel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("run cancelled", "run_id", id)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

// =============================================================================
// Response Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrRunNotWaiting):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}

	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
