package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/config"
	"github.com/JakeFAU/procurement-crawler/internal/enrich"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/orchestrator"
	"github.com/JakeFAU/procurement-crawler/internal/store"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
)

// TriggerAPI labels cycles started over HTTP.
const TriggerAPI = "api"

const (
	defaultBackfillLimit = 200
	maxBackfillLimit     = 5000
)

// CycleRunner starts ingestion cycles in the background.
type CycleRunner interface {
	Start(ctx context.Context, trigger string) (string, <-chan orchestrator.Result, error)
}

// Backfiller re-enriches records missing the current enrichment version.
type Backfiller interface {
	Backfill(ctx context.Context, limit int) (enrich.BackfillReport, error)
}

// Deps are the collaborators behind the admin surface. Everything except
// Runner is optional; missing ones answer 503.
type Deps struct {
	Runner     CycleRunner
	Cycles     store.CycleRepository
	Catalog    opportunity.Reader
	Backfiller Backfiller
	Snapshots  opportunity.BlobReader
	Ready      func(ctx context.Context) error
}

// Server wires HTTP handlers to the runner and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	cycles   *CycleHandler
	catalog  *OpportunityHandler
	cfg      config.Config
	logger   *zap.Logger
	cycleCtx context.Context
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		deps:     deps,
		cycles:   NewCycleHandler(deps.Cycles, logger).WithSnapshots(deps.Snapshots),
		catalog:  NewOpportunityHandler(deps.Catalog, logger),
		cfg:      cfg,
		logger:   logger,
		cycleCtx: context.Background(),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/cycles", func(r chi.Router) {
			r.Post("/", s.triggerCycle)
			r.With(timeoutMiddleware(30*time.Second)).Get("/", s.cycles.ListCycles)
			r.Route("/{cycle_id}", func(r chi.Router) {
				r.Use(timeoutMiddleware(30 * time.Second))
				r.Get("/", s.cycles.GetCycle)
				r.Get("/sources", s.cycles.ListCycleSources)
				r.Get("/sources/{source_id}/snapshot", s.cycles.GetSourceSnapshot)
			})
		})
		r.Route("/opportunities", func(r chi.Router) {
			r.Use(timeoutMiddleware(30 * time.Second))
			r.Get("/", s.catalog.List)
			r.Get("/{id}", s.catalog.Get)
		})
		r.Post("/enrichment/backfill", s.backfill)
	})

	s.router = r
	return s
}

// WithCycleContext sets the parent context of cycles started without
// ?wait=true, so they outlive the request but stop on shutdown.
func (s *Server) WithCycleContext(ctx context.Context) *Server {
	s.cycleCtx = ctx
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// triggerCycle handles POST /v1/cycles. Without ?wait=true it answers 202 with
// the cycle id; with it, it blocks and returns the full report. Either way the
// cycle runs on the server's context, so a client that hangs up does not cut
// it short. 409 means a cycle is already running.
func (s *Server) triggerCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle runner unavailable")
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	id, done, err := s.deps.Runner.Start(s.cycleCtx, TriggerAPI)
	if err != nil {
		if errors.Is(err, orchestrator.ErrCycleInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("start cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start cycle")
		return
	}
	if !wait {
		go s.logOutcome(id, done)
		writeJSON(w, http.StatusAccepted, map[string]string{"cycle_id": id})
		return
	}

	select {
	case res := <-done:
		if res.Err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": res.Err.Error(), "report": res.Report})
			return
		}
		writeJSON(w, http.StatusOK, res.Report)
	case <-r.Context().Done():
		s.logger.Info("client stopped waiting for cycle", zap.String("cycle_id", id))
		go s.logOutcome(id, done)
	}
}

func (s *Server) logOutcome(id string, done <-chan orchestrator.Result) {
	res := <-done
	if res.Err != nil {
		s.logger.Error("api cycle failed", zap.String("cycle_id", id), zap.Error(res.Err))
	}
}

// backfill handles POST /v1/enrichment/backfill?limit=.
func (s *Server) backfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfiller == nil {
		writeError(w, http.StatusServiceUnavailable, "enrichment disabled")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultBackfillLimit, maxBackfillLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.deps.Backfiller.Backfill(r.Context(), limit)
	if err != nil {
		s.logger.Error("backfill failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
