// Package orchestrator drives ingestion cycles: every registered adapter is
// fetched, normalized and persisted in a bounded pool, then the reconciler
// sweeps stale records once all adapters have finished.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/adapter"
	idgen "github.com/JakeFAU/procurement-crawler/internal/id/uuid"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/progress"
	"github.com/JakeFAU/procurement-crawler/internal/reconcile"
	"github.com/JakeFAU/procurement-crawler/internal/store"
	"github.com/JakeFAU/procurement-crawler/internal/telemetry"
)

// ErrCycleInProgress is returned when a cycle is already running.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Normalizer turns adapter output into records.
type Normalizer interface {
	Normalize(c opportunity.CandidateRecord) (opportunity.Record, error)
}

// Reconciler closes stale records after the adapter barrier.
type Reconciler interface {
	Reconcile(ctx context.Context, outcomes []reconcile.SourceOutcome) (reconcile.Report, error)
}

// CycleIDs allocates cycle identifiers.
type CycleIDs interface {
	NewCycleID() (uuid.UUID, error)
}

// Submitter accepts enrichment work without blocking.
type Submitter interface {
	Submit(task opportunity.EnrichmentTask) error
}

// Config bounds a cycle.
type Config struct {
	Concurrency   int
	FetchTimeout  time.Duration
	FetchTimeouts map[string]time.Duration
	Topic         string
	Snapshots     bool
}

// Deps are the runner's collaborators. Submitter, Publisher, Blobs and
// Emitter are optional.
type Deps struct {
	Registry   *adapter.Registry
	Normalizer Normalizer
	Store      opportunity.Store
	Reconciler Reconciler
	Submitter  Submitter
	Publisher  opportunity.Publisher
	Blobs      opportunity.BlobStore
	Emitter    progress.Emitter
	Clock      opportunity.Clock
	CycleIDs   CycleIDs
	Logger     *zap.Logger
}

// SourceSummary reports one adapter's run.
type SourceSummary struct {
	SourceID       string        `json:"source_id"`
	State          State         `json:"state"`
	History        []Transition  `json:"history"`
	Fetched        int           `json:"fetched"`
	Processed      int           `json:"processed"`
	Created        int           `json:"created"`
	Updated        int           `json:"updated"`
	Unchanged      int           `json:"unchanged"`
	Failed         int           `json:"failed"`
	Duplicates     int           `json:"duplicates"`
	ZeroYield      bool          `json:"zero_yield"`
	TimedOut       bool          `json:"timed_out"`
	Error          string        `json:"error,omitempty"`
	EnrichQueued   int           `json:"enrich_queued"`
	EnrichDeferred int           `json:"enrich_deferred"`
	Closed         int64         `json:"closed"`
	Exempt         string        `json:"exempt,omitempty"`
	Snapshot       string        `json:"snapshot,omitempty"`
	Duration       time.Duration `json:"duration"`

	fetchErr error
}

// CycleReport is the outcome of one cycle.
type CycleReport struct {
	ID         string            `json:"id"`
	Trigger    string            `json:"trigger"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Status     store.CycleStatus `json:"status"`
	Sources    []SourceSummary   `json:"sources"`
	Closed     int64             `json:"closed"`
	Error      string            `json:"error,omitempty"`
}

// Result pairs a report with the run error for asynchronous callers.
type Result struct {
	Report CycleReport
	Err    error
}

// Runner executes cycles one at a time.
type Runner struct {
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	running atomic.Bool

	mu   sync.RWMutex
	last *CycleReport
}

// New constructs a Runner.
func New(deps Deps, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.CycleIDs == nil {
		deps.CycleIDs = idgen.New()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

// Running reports whether a cycle is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Last returns the most recent completed report.
func (r *Runner) Last() (CycleReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return CycleReport{}, false
	}
	return *r.last, true
}

// RunCycle runs one cycle synchronously. Only store atomicity violations are
// returned as errors; every other failure is reported per source.
func (r *Runner) RunCycle(ctx context.Context, trigger string) (CycleReport, error) {
	id, err := r.reserve()
	if err != nil {
		return CycleReport{}, err
	}
	defer r.running.Store(false)
	return r.run(ctx, id, trigger)
}

// Start launches a cycle in the background and returns its ID immediately.
// The channel receives exactly one Result.
func (r *Runner) Start(ctx context.Context, trigger string) (string, <-chan Result, error) {
	id, err := r.reserve()
	if err != nil {
		return "", nil, err
	}
	done := make(chan Result, 1)
	go func() {
		defer r.running.Store(false)
		report, err := r.run(ctx, id, trigger)
		done <- Result{Report: report, Err: err}
	}()
	return id.String(), done, nil
}

func (r *Runner) reserve() (uuid.UUID, error) {
	if !r.running.CompareAndSwap(false, true) {
		return uuid.Nil, ErrCycleInProgress
	}
	id, err := r.deps.CycleIDs.NewCycleID()
	if err != nil {
		r.running.Store(false)
		return uuid.Nil, fmt.Errorf("allocate cycle id: %w", err)
	}
	return id, nil
}

func (r *Runner) run(parent context.Context, id uuid.UUID, trigger string) (CycleReport, error) {
	seenAt := r.deps.Clock.Now().UTC()
	report := CycleReport{ID: id.String(), Trigger: trigger, StartedAt: seenAt, Status: store.CycleRunning}
	logger := r.logger.With(zap.String("cycle_id", report.ID), zap.String("trigger", trigger))

	ctx, span := telemetry.Tracer().Start(parent, "ingest.cycle")
	span.SetAttributes(attribute.String("cycle.id", report.ID), attribute.String("cycle.trigger", trigger))
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.emit(progress.Event{CycleID: progress.UUIDToBytes(id), Stage: progress.StageCycleStart, Trigger: trigger})
	logger.Info("cycle started")

	adapters := r.deps.Registry.All()
	summaries := make([]SourceSummary, len(adapters))
	pool := pond.NewPool(r.cfg.Concurrency)
	for i, a := range adapters {
		i, a := i, a
		pool.Submit(func() {
			summaries[i] = r.runSource(ctx, cancel, id, a, seenAt, logger)
		})
	}
	// Barrier: reconciliation may only start after every adapter finished.
	pool.StopAndWait()
	report.Sources = summaries

	if cause := context.Cause(ctx); errors.Is(cause, opportunity.ErrAtomicityViolation) {
		return r.abort(id, &report, cause, span, logger)
	}

	outcomes := make([]reconcile.SourceOutcome, 0, len(summaries))
	for _, s := range summaries {
		outcomes = append(outcomes, reconcile.SourceOutcome{
			SourceID: s.SourceID,
			Yield:    s.persisted(),
			Err:      s.fetchErr,
			TimedOut: s.TimedOut,
		})
	}
	recReport, err := r.deps.Reconciler.Reconcile(ctx, outcomes)
	if err != nil {
		return r.abort(id, &report, err, span, logger)
	}
	r.applyReconcile(ctx, id, &report, recReport)

	report.Status = store.CycleSuccess
	for _, s := range report.Sources {
		if s.State != StateDone {
			report.Status = store.CyclePartial
			break
		}
	}
	report.FinishedAt = r.deps.Clock.Now().UTC()
	r.emit(progress.Event{
		CycleID: progress.UUIDToBytes(id),
		Stage:   progress.StageCycleDone,
		Trigger: trigger,
		Outcome: string(report.Status),
		Closed:  report.Closed,
		Dur:     report.FinishedAt.Sub(report.StartedAt),
	})
	span.SetAttributes(attribute.String("cycle.status", string(report.Status)), attribute.Int64("cycle.closed", report.Closed))
	logger.Info("cycle finished",
		zap.String("status", string(report.Status)),
		zap.Int("sources", len(report.Sources)),
		zap.Int64("closed", report.Closed),
	)
	r.remember(report)
	return report, nil
}

func (r *Runner) abort(id uuid.UUID, report *CycleReport, cause error, span trace.Span, logger *zap.Logger) (CycleReport, error) {
	report.Status = store.CycleError
	report.Error = cause.Error()
	report.FinishedAt = r.deps.Clock.Now().UTC()
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	r.emit(progress.Event{
		CycleID: progress.UUIDToBytes(id),
		Stage:   progress.StageCycleError,
		Trigger: report.Trigger,
		Outcome: string(store.CycleError),
		Note:    cause.Error(),
		Dur:     report.FinishedAt.Sub(report.StartedAt),
	})
	logger.Error("cycle aborted", zap.Error(cause))
	r.remember(*report)
	return *report, fmt.Errorf("cycle %s: %w", report.ID, cause)
}

func (r *Runner) applyReconcile(ctx context.Context, id uuid.UUID, report *CycleReport, rec reconcile.Report) {
	index := make(map[string]int, len(report.Sources))
	for i, s := range report.Sources {
		index[s.SourceID] = i
	}
	for _, res := range rec.Sources {
		i, ok := index[res.SourceID]
		if !ok {
			continue
		}
		src := &report.Sources[i]
		src.Closed = res.Closed
		note := ""
		switch {
		case res.Exempt != nil:
			src.Exempt = res.Exempt.Reason
			note = res.Exempt.Reason
		case res.Err != nil:
			note = "error: " + res.Err.Error()
		}
		report.Closed += res.Closed
		r.emit(progress.Event{
			CycleID: progress.UUIDToBytes(id),
			Stage:   progress.StageReconcileDone,
			Source:  res.SourceID,
			Closed:  res.Closed,
			Note:    note,
		})
		if res.Closed > 0 {
			r.publish(ctx, opportunity.ChangeEvent{
				Kind:     opportunity.ChangeClosed,
				CycleID:  report.ID,
				SourceID: res.SourceID,
				Count:    res.Closed,
				At:       rec.AsOf,
			})
		}
	}
}

func (r *Runner) runSource(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	cycleID uuid.UUID,
	a adapter.Adapter,
	seenAt time.Time,
	logger *zap.Logger,
) (sum SourceSummary) {
	start := time.Now()
	sum.SourceID = a.ID()
	sm := newMachine(func() time.Time { return r.deps.Clock.Now().UTC() })
	logger = logger.With(zap.String("source_id", a.ID()))

	ctx, span := telemetry.Tracer().Start(ctx, "ingest.source")
	span.SetAttributes(attribute.String("source.id", a.ID()))
	defer span.End()

	defer func() {
		sum.State = sm.state
		sum.History = sm.history
		sum.Duration = time.Since(start)
		stage := progress.StageSourceDone
		if sum.State == StateFailed {
			stage = progress.StageSourceFailed
			span.SetStatus(codes.Error, sum.Error)
		}
		r.emit(progress.Event{
			CycleID:   progress.UUIDToBytes(cycleID),
			Stage:     stage,
			Source:    sum.SourceID,
			State:     string(sum.State),
			Processed: int64(sum.Processed),
			Created:   int64(sum.Created),
			Updated:   int64(sum.Updated),
			Failed:    int64(sum.Failed),
			ZeroYield: sum.ZeroYield,
			Dur:       sum.Duration,
			Note:      sum.Error,
		})
	}()

	if err := ctx.Err(); err != nil {
		sm.fail()
		sum.ZeroYield = true
		sum.fetchErr = err
		sum.Error = err.Error()
		return sum
	}

	_ = sm.advance(StateFetching)
	fetched := r.fetch(ctx, a)
	candidates, fetchErr, timedOut := fetched.records, fetched.err, fetched.timedOut
	sum.Fetched = len(candidates)
	sum.ZeroYield = len(candidates) == 0
	if timedOut {
		sum.TimedOut = true
		sum.ZeroYield = true
		sum.Fetched = 0
		sum.fetchErr = fetchErr
		sum.Error = fetchErr.Error()
		logger.Warn("adapter timed out", zap.Duration("timeout", r.timeoutFor(a.ID())))
		sm.fail()
		return sum
	}
	var partial bool
	if fetchErr != nil {
		var adapterErr *opportunity.AdapterError
		if !errors.As(fetchErr, &adapterErr) {
			adapterErr = &opportunity.AdapterError{SourceID: a.ID(), Err: fetchErr}
			fetchErr = adapterErr
		}
		sum.fetchErr = fetchErr
		sum.Error = fetchErr.Error()
		span.RecordError(fetchErr)
		if !adapterErr.Partial {
			logger.Warn("adapter failed", zap.Error(fetchErr))
			sm.fail()
			return sum
		}
		partial = true
		logger.Warn("adapter returned partial results", zap.Int("records", len(candidates)), zap.Error(fetchErr))
	}
	sum.Snapshot = r.snapshot(ctx, cycleID, a.ID(), candidates, logger)

	_ = sm.advance(StateNormalizing)
	records := make([]opportunity.Record, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		sum.Processed++
		if c.SourceID == "" {
			c.SourceID = a.ID()
		}
		rec, err := r.deps.Normalizer.Normalize(c)
		if err != nil {
			sum.Failed++
			logger.Debug("skipping malformed candidate", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if rec.SourceID != a.ID() {
			sum.Failed++
			logger.Warn("candidate claims foreign source", zap.String("url", rec.URL), zap.String("claimed", rec.SourceID))
			continue
		}
		if _, dup := seen[rec.URL]; dup {
			sum.Duplicates++
			continue
		}
		seen[rec.URL] = struct{}{}
		records = append(records, rec)
	}

	_ = sm.advance(StatePersisting)
	var tasks []opportunity.EnrichmentTask
	for _, rec := range records {
		res, err := r.upsert(ctx, rec, seenAt)
		if err != nil {
			if errors.Is(err, opportunity.ErrAtomicityViolation) {
				cancel(err)
				sum.Failed++
				sum.Error = err.Error()
				span.RecordError(err)
				logger.Error("store atomicity violation", zap.String("url", rec.URL), zap.Error(err))
				sm.fail()
				return sum
			}
			sum.Failed++
			logger.Warn("upsert failed", zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		reopened := res.StatusChanged && res.Status == opportunity.StatusOpen && res.Outcome == opportunity.OutcomeUpdated
		switch {
		case res.Outcome == opportunity.OutcomeCreated:
			sum.Created++
		case res.ContentChanged || res.StatusChanged:
			sum.Updated++
		default:
			sum.Unchanged++
		}
		if kind, ok := changeKind(res, reopened); ok {
			r.publish(ctx, opportunity.ChangeEvent{
				Kind:        kind,
				CycleID:     cycleID.String(),
				SourceID:    rec.SourceID,
				ID:          res.ID,
				URL:         rec.URL,
				Fingerprint: rec.Fingerprint,
				At:          seenAt,
			})
		}
		if res.Outcome == opportunity.OutcomeCreated || res.ContentChanged {
			tasks = append(tasks, opportunity.TaskFor(res.ID, rec))
		}
	}

	if sum.persisted() == 0 {
		// Rows arrived but none survived normalization or upsert: the listing
		// was not re-checked, so it must not count as "nothing open".
		sum.ZeroYield = true
		if len(candidates) > 0 {
			logger.Warn("no candidate persisted", zap.Int("fetched", len(candidates)), zap.Int("failed", sum.Failed))
		}
	}

	_ = sm.advance(StateEnriching)
	for _, task := range tasks {
		if r.deps.Submitter == nil {
			sum.EnrichDeferred++
			continue
		}
		if err := r.deps.Submitter.Submit(task); err != nil {
			sum.EnrichDeferred++
			continue
		}
		sum.EnrichQueued++
	}
	if sum.EnrichDeferred > 0 && r.deps.Submitter != nil {
		logger.Info("enrichment deferred to backfill", zap.Int("deferred", sum.EnrichDeferred))
	}

	if partial {
		sm.fail()
	} else {
		_ = sm.advance(StateDone)
	}
	logger.Info("source finished",
		zap.String("state", string(sm.state)),
		zap.Int("processed", sum.Processed),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("failed", sum.Failed),
	)
	return sum
}

// persisted counts records the store accepted this cycle.
func (s SourceSummary) persisted() int {
	return s.Created + s.Updated + s.Unchanged
}

func changeKind(res opportunity.UpsertResult, reopened bool) (opportunity.ChangeKind, bool) {
	switch {
	case res.Outcome == opportunity.OutcomeCreated:
		return opportunity.ChangeCreated, true
	case reopened:
		return opportunity.ChangeReopened, true
	case res.ContentChanged:
		return opportunity.ChangeUpdated, true
	}
	return "", false
}

type fetchResult struct {
	records  []opportunity.CandidateRecord
	err      error
	timedOut bool
}

// fetch runs the adapter under its timeout. An adapter that ignores its
// context is abandoned when the timeout fires; its goroutine is left to finish
// on its own and its output is discarded.
func (r *Runner) fetch(ctx context.Context, a adapter.Adapter) fetchResult {
	timeout := r.timeoutFor(a.ID())
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fetchResult{err: fmt.Errorf("adapter panic: %v", p)}
			}
		}()
		recs, err := a.Fetch(fctx)
		done <- fetchResult{records: recs, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && fctx.Err() != nil && ctx.Err() == nil {
			return fetchResult{
				err:      fmt.Errorf("adapter %s: fetch timed out after %s: %w", a.ID(), timeout, res.err),
				timedOut: true,
			}
		}
		return res
	case <-fctx.Done():
		if ctx.Err() != nil {
			return fetchResult{err: fmt.Errorf("adapter %s: %w", a.ID(), context.Cause(ctx))}
		}
		return fetchResult{
			err:      fmt.Errorf("adapter %s: fetch timed out after %s", a.ID(), timeout),
			timedOut: true,
		}
	}
}

func (r *Runner) timeoutFor(sourceID string) time.Duration {
	if d, ok := r.cfg.FetchTimeouts[sourceID]; ok && d > 0 {
		return d
	}
	return r.cfg.FetchTimeout
}

// upsert retries once on a store conflict.
func (r *Runner) upsert(ctx context.Context, rec opportunity.Record, seenAt time.Time) (opportunity.UpsertResult, error) {
	res, err := r.deps.Store.Upsert(ctx, rec, seenAt)
	if err != nil && opportunity.IsConflict(err) {
		res, err = r.deps.Store.Upsert(ctx, rec, seenAt)
	}
	return res, err
}

func (r *Runner) snapshot(ctx context.Context, cycleID uuid.UUID, sourceID string, recs []opportunity.CandidateRecord, logger *zap.Logger) string {
	if !r.cfg.Snapshots || r.deps.Blobs == nil || len(recs) == 0 {
		return ""
	}
	data, err := json.Marshal(recs)
	if err != nil {
		logger.Warn("marshal snapshot failed", zap.Error(err))
		return ""
	}
	path := opportunity.SnapshotPath(cycleID.String(), sourceID)
	uri, err := r.deps.Blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		logger.Warn("write snapshot failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (r *Runner) publish(ctx context.Context, evt opportunity.ChangeEvent) {
	if r.deps.Publisher == nil || r.cfg.Topic == "" {
		return
	}
	if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, evt); err != nil {
		r.logger.Warn("publish change failed",
			zap.String("kind", string(evt.Kind)),
			zap.String("source_id", evt.SourceID),
			zap.Error(err),
		)
	}
}

func (r *Runner) emit(evt progress.Event) {
	if r.deps.Emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = r.deps.Clock.Now().UTC()
	}
	r.deps.Emitter.Emit(evt)
}

func (r *Runner) remember(report CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &report
}
