package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/config"
	"github.com/JakeFAU/procurement-crawler/internal/enrich"
	idgen "github.com/JakeFAU/procurement-crawler/internal/id/uuid"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/orchestrator"
	"github.com/JakeFAU/procurement-crawler/internal/storage/memory"
	"github.com/JakeFAU/procurement-crawler/internal/store"
)

type fakeRunner struct {
	busy    atomic.Bool
	started atomic.Int32
	err     error
	// release, when set, holds the result back until closed.
	release chan struct{}

	mu  sync.Mutex
	ctx context.Context
}

func (f *fakeRunner) Start(ctx context.Context, trigger string) (string, <-chan orchestrator.Result, error) {
	if f.busy.Load() {
		return "", nil, orchestrator.ErrCycleInProgress
	}
	f.started.Add(1)
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()

	res := orchestrator.Result{Report: orchestrator.CycleReport{ID: "cycle-1", Trigger: trigger, Status: store.CycleSuccess}}
	if f.err != nil {
		res = orchestrator.Result{Report: orchestrator.CycleReport{ID: "cycle-1", Status: store.CycleError}, Err: f.err}
	}
	done := make(chan orchestrator.Result, 1)
	if f.release == nil {
		done <- res
		return "cycle-1", done, nil
	}
	go func() {
		<-f.release
		done <- res
	}()
	return "cycle-1", done, nil
}

func (f *fakeRunner) startCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

type fakeBackfiller struct {
	limit int
}

func (f *fakeBackfiller) Backfill(_ context.Context, limit int) (enrich.BackfillReport, error) {
	f.limit = limit
	return enrich.BackfillReport{Scanned: 2, Enriched: 2}, nil
}

func testConfig() config.Config {
	return config.Config{Logging: config.LoggingConfig{Development: true}}
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_TriggerCycleAccepted(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	server := NewServer(Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/cycles")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "cycle-1")
	require.Equal(t, int32(1), runner.started.Load())
}

func TestServer_TriggerCycleWait(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Runner: &fakeRunner{}}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/cycles?wait=true")
	require.Equal(t, http.StatusOK, rec.Code)
	var report orchestrator.CycleReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "cycle-1", report.ID)
	require.Equal(t, TriggerAPI, report.Trigger)
}

func TestServer_TriggerCycleWaitSurvivesClientDisconnect(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{release: make(chan struct{})}
	server := NewServer(Deps{Runner: runner}, testConfig(), zap.NewNop())

	reqCtx, hangUp := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/cycles?wait=true", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	served := make(chan struct{})
	go func() {
		server.Handler().ServeHTTP(rec, req)
		close(served)
	}()

	require.Eventually(t, func() bool { return runner.started.Load() == 1 }, time.Second, 5*time.Millisecond)
	hangUp()
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("handler kept waiting after the client left")
	}
	require.NoError(t, runner.startCtx().Err(), "cycle context must outlive the request")
	close(runner.release)
}

func TestServer_TriggerCycleConflict(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	runner.busy.Store(true)
	server := NewServer(Deps{Runner: runner}, testConfig(), zap.NewNop())

	require.Equal(t, http.StatusConflict, serve(server, http.MethodPost, "/v1/cycles").Code)
	require.Equal(t, http.StatusConflict, serve(server, http.MethodPost, "/v1/cycles?wait=true").Code)
}

func TestServer_TriggerCycleFatalError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("cycle x: %w", opportunity.ErrAtomicityViolation)}
	server := NewServer(Deps{Runner: runner}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/cycles?wait=true")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "atomicity")
}

func TestServer_CycleHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cycles := memory.NewCycleStore()
	id, err := idgen.New().NewCycleID()
	require.NoError(t, err)
	started := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, cycles.StartCycle(ctx, id, "schedule", started))
	exempt := "fetch timed out"
	require.NoError(t, cycles.RecordSource(ctx, store.SourceRun{CycleID: id, SourceID: "city", State: "failed", ZeroYield: true}))
	require.NoError(t, cycles.RecordReconcile(ctx, id, "city", 0, &exempt))
	require.NoError(t, cycles.CompleteCycle(ctx, id, started.Add(time.Minute), store.CyclePartial, 0, nil))

	server := NewServer(Deps{Cycles: cycles}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/cycles?status=partial")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), id.String())

	rec = serve(server, http.MethodGet, "/v1/cycles/"+id.String())
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"partial"`)

	rec = serve(server, http.MethodGet, "/v1/cycles/"+id.String()+"/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fetch timed out")

	missing, err := idgen.New().NewCycleID()
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/cycles/"+missing.String()).Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/cycles/"+uuid.NewString()).Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/cycles/not-a-uuid").Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/cycles?status=bogus").Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/cycles?limit=-1").Code)
}

func TestServer_Opportunities(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	catalog := memory.NewOpportunityStore(idgen.New())
	res, err := catalog.Upsert(ctx, opportunity.Record{
		CandidateRecord: opportunity.CandidateRecord{
			SourceID:   "city",
			URL:        "https://city.example.gov/bids/1",
			Title:      "Bridge Painting",
			StatusHint: opportunity.StatusOpen,
		},
		Fingerprint: "fp",
	}, time.Now())
	require.NoError(t, err)

	server := NewServer(Deps{Catalog: catalog}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/opportunities?status=open&source_id=city")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Bridge Painting")

	rec = serve(server, http.MethodGet, "/v1/opportunities/"+res.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/opportunities/missing").Code)
	require.Equal(t, http.StatusBadRequest, serve(server, http.MethodGet, "/v1/opportunities?status=pending").Code)
}

func TestServer_Backfill(t *testing.T) {
	t.Parallel()

	bf := &fakeBackfiller{}
	server := NewServer(Deps{Backfiller: bf}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/enrichment/backfill?limit=25")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 25, bf.limit)
	require.Contains(t, rec.Body.String(), `"enriched":2`)

	disabled := NewServer(Deps{}, testConfig(), zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(disabled, http.MethodPost, "/v1/enrichment/backfill").Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	healthy := NewServer(Deps{}, testConfig(), zap.NewNop())
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/healthz").Code)
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusOK, serve(healthy, http.MethodGet, "/metrics").Code)

	down := NewServer(Deps{Ready: func(context.Context) error { return errors.New("db down") }}, testConfig(), zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, serve(down, http.MethodGet, "/readyz").Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := NewServer(Deps{Runner: &fakeRunner{}}, cfg, zap.NewNop())

	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz").Code)
	require.Equal(t, http.StatusForbidden, serve(server, http.MethodPost, "/v1/cycles").Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/cycles", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Equal(t, http.StatusAccepted, serve(server, http.MethodPost, "/v1/cycles?api_key=secret").Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Ready: func(context.Context) error { panic("boom") }}, testConfig(), zap.NewNop())
	require.Equal(t, http.StatusInternalServerError, serve(server, http.MethodGet, "/readyz").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(NewServer(Deps{}, testConfig(), zap.NewNop()), http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func TestServer_SourceSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	id, err := idgen.New().NewCycleID()
	require.NoError(t, err)
	_, err = blobs.PutObject(ctx, opportunity.SnapshotPath(id.String(), "city"), "application/json", strings.NewReader(`[{"title":"Paving"}]`))
	require.NoError(t, err)

	server := NewServer(Deps{Snapshots: blobs}, testConfig(), zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/cycles/"+id.String()+"/sources/city/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `[{"title":"Paving"}]`, rec.Body.String())

	rec = serve(server, http.MethodGet, "/v1/cycles/"+id.String()+"/sources/county/snapshot")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(NewServer(Deps{}, testConfig(), zap.NewNop()), http.MethodGet, "/v1/cycles/"+id.String()+"/sources/city/snapshot")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
