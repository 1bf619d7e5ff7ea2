package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

const (
	defaultOpportunityLimit = 50
	maxOpportunityLimit     = 500
)

// OpportunityHandler serves catalog reads.
type OpportunityHandler struct {
	reader  opportunity.Reader
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpportunityHandler wires the catalog reader.
func NewOpportunityHandler(reader opportunity.Reader, logger *zap.Logger) *OpportunityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpportunityHandler{reader: reader, timeout: historyTimeout, logger: logger}
}

// List handles GET /v1/opportunities?status=&source_id=&limit=&offset=.
func (h *OpportunityHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultOpportunityLimit, maxOpportunityLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := opportunity.ListFilter{
		SourceID: strings.TrimSpace(r.URL.Query().Get("source_id")),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := opportunity.Status(strings.ToLower(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	rows, err := h.reader.List(ctx, filter)
	if err != nil {
		h.logger.Error("list opportunities failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	if rows == nil {
		rows = []opportunity.CanonicalOpportunity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": rows})
}

// Get handles GET /v1/opportunities/{id}.
func (h *OpportunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	row, err := h.reader.Get(ctx, id)
	if err != nil {
		if errors.Is(err, opportunity.ErrNotFound) {
			writeError(w, http.StatusNotFound, "opportunity not found")
			return
		}
		h.logger.Error("get opportunity failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load opportunity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunity": row})
}
