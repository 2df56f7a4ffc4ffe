package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/matching"
)

// MatchingService is the operator surface of the matching engine.
type MatchingService interface {
	Trigger(ctx context.Context, pair, operator string) (map[domain.Pair]matching.TriggerResult, error)
	Resume(ctx context.Context, pair, operator string) error
	Metrics() domain.EngineMetrics
}

// MatchingHandler serves the operator endpoints.
type MatchingHandler struct {
	matching MatchingService
	logger   *slog.Logger
}

// NewMatchingHandler creates a MatchingHandler.
func NewMatchingHandler(m MatchingService, logger *slog.Logger) *MatchingHandler {
	return &MatchingHandler{matching: m, logger: logger}
}

type triggerRequest struct {
	Pair string `json:"pair"`
}

// Trigger schedules a matching pass for one pair, or all pairs when the body
// is empty or names no pair.
// POST /api/matching/trigger
func (h *MatchingHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeDomainError(w, r, h.logger, "trigger matching", err)
			return
		}
	}

	results, err := h.matching.Trigger(r.Context(), req.Pair, operator(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "trigger matching", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: matching triggered",
		slog.String("pair", req.Pair),
		slog.Int("pairs", len(results)),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

// Resume clears a consistency halt on a pair.
// POST /api/matching/pairs/{pair}/resume
func (h *MatchingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "pair")
	if err := h.matching.Resume(r.Context(), pair, operator(r)); err != nil {
		writeDomainError(w, r, h.logger, "resume pair", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pair": pair, "status": "resumed"})
}

// Metrics returns the engine counters.
// GET /api/metrics
func (h *MatchingHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.matching.Metrics())
}

// operator names the caller of an operator endpoint for the audit log.
func operator(r *http.Request) string {
	if name := r.Header.Get("X-Operator"); name != "" {
		return name
	}
	return "api-key"
}
