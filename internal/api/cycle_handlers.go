package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	idgen "github.com/JakeFAU/procurement-crawler/internal/id/uuid"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/store"
)

const (
	defaultCycleLimit   = 50
	maxCycleLimit       = 500
	defaultSourcesLimit = 100
	maxSourcesLimit     = 1000
	historyTimeout      = 3 * time.Second
)

// CycleHandler exposes read-only cycle history endpoints.
type CycleHandler struct {
	repo      store.CycleRepository
	snapshots opportunity.BlobReader
	timeout   time.Duration
	logger    *zap.Logger
}

// NewCycleHandler wires the repository and logger.
func NewCycleHandler(repo store.CycleRepository, logger *zap.Logger) *CycleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// WithSnapshots enables the raw snapshot endpoint.
func (h *CycleHandler) WithSnapshots(blobs opportunity.BlobReader) *CycleHandler {
	h.snapshots = blobs
	return h
}

// GetSourceSnapshot handles GET /v1/cycles/{cycle_id}/sources/{source_id}/snapshot
// and streams the raw candidates the source returned in that cycle.
func (h *CycleHandler) GetSourceSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshots unavailable")
		return
	}
	cycleID, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sourceID := chi.URLParam(r, "source_id")
	if sourceID == "" || strings.Contains(sourceID, "..") {
		writeError(w, http.StatusBadRequest, "invalid source_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rc, err := h.snapshots.GetObject(ctx, opportunity.SnapshotPath(cycleID.String(), sourceID))
	if errors.Is(err, opportunity.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		h.logger.Error("read snapshot failed", zap.String("cycle_id", cycleID.String()), zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	defer func() { _ = rc.Close() }()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream snapshot failed", zap.Error(err))
	}
}

// ListCycles handles GET /v1/cycles?status=&limit=&offset=. It returns
// {"cycles": [...]} on success, 400 for invalid filters, 503 when the repo is
// unavailable, or 500 if the repository call fails.
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle history unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultCycleLimit, maxCycleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.CycleStatus
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	cycles, err := h.repo.ListCycles(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list cycles failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cycles": toCycleDTOs(cycles),
	})
}

// GetCycle handles GET /v1/cycles/{cycle_id}. It returns {"cycle": {...}},
// 400 for malformed IDs, or 404 when the cycle is unknown.
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle history unavailable")
		return
	}
	cycleID, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cycle, err := h.repo.GetCycle(ctx, cycleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found")
			return
		}
		h.logger.Error("get cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load cycle")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": toCycleDTO(cycle)})
}

// ListCycleSources handles GET /v1/cycles/{cycle_id}/sources?limit=&offset=.
func (h *CycleHandler) ListCycleSources(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle history unavailable")
		return
	}
	cycleID, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSourcesLimit, maxSourcesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sources, err := h.repo.ListCycleSources(ctx, cycleID, limit, offset)
	if err != nil {
		h.logger.Error("list cycle sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cycle sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": toSourceDTOs(sources),
	})
}

func parseCycleID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "cycle_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("cycle_id is required")
	}
	cycleID, err := idgen.ParseCycleID(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid cycle_id")
	}
	return cycleID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.CycleStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.CycleRunning, nil
	case "success":
		return store.CycleSuccess, nil
	case "partial":
		return store.CyclePartial, nil
	case "error", "failed", "failure":
		return store.CycleError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toCycleDTOs(in []store.CycleRun) []cycleDTO {
	out := make([]cycleDTO, 0, len(in))
	for _, c := range in {
		out = append(out, toCycleDTO(c))
	}
	return out
}

func toCycleDTO(c store.CycleRun) cycleDTO {
	return cycleDTO{
		ID:         c.ID.String(),
		Trigger:    c.Trigger,
		StartedAt:  c.StartedAt,
		FinishedAt: c.FinishedAt,
		Status:     string(c.Status),
		Closed:     c.Closed,
		Error:      c.ErrorMessage,
	}
}

func toSourceDTOs(in []store.SourceRun) []sourceDTO {
	out := make([]sourceDTO, 0, len(in))
	for _, s := range in {
		out = append(out, sourceDTO{
			SourceID:   s.SourceID,
			State:      s.State,
			Processed:  s.Processed,
			Created:    s.Created,
			Updated:    s.Updated,
			Failed:     s.Failed,
			Closed:     s.Closed,
			ZeroYield:  s.ZeroYield,
			Exempt:     s.Exempt,
			Error:      s.Error,
			DurationMs: s.Duration.Milliseconds(),
			FinishedAt: s.FinishedAt,
		})
	}
	return out
}

type cycleDTO struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Closed     int64      `json:"closed"`
	Error      *string    `json:"error,omitempty"`
}

type sourceDTO struct {
	SourceID   string    `json:"source_id"`
	State      string    `json:"state"`
	Processed  int64     `json:"processed"`
	Created    int64     `json:"created"`
	Updated    int64     `json:"updated"`
	Failed     int64     `json:"failed"`
	Closed     int64     `json:"closed"`
	ZeroYield  bool      `json:"zero_yield"`
	Exempt     *string   `json:"exempt,omitempty"`
	Error      *string   `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}
