package handlers

import (
	"net/http"

	"workerhub/internal/logger"

	"go.uber.org/zap"
)

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reporter.Dashboard(r.Context())
	if err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to build stats", zap.Error(err))
		h.httpError(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, stats)
}

// Nodes handles GET /api/nodes.
func (h *Handlers) Nodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.reporter.Nodes(r.Context())
	if err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to list nodes", zap.Error(err))
		h.httpError(w, "Failed to list nodes", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, nodes)
}
