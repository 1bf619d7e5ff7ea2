package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/clock/system"
	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
	"github.com/JakeFAU/procurement-crawler/internal/progress"
)

// RateKey is the limiter key shared by every enrichment call.
const RateKey = "enrichment"

// Outcome summarizes a single Enrich call.
type Outcome string

// Enrichment outcomes.
const (
	OutcomeEnriched Outcome = "enriched"
	OutcomePartial  Outcome = "partial"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// Limiter throttles backend calls.
type Limiter interface {
	WaitKey(ctx context.Context, key string) error
}

// Config bounds enrichment work.
type Config struct {
	Version         int
	MaxTags         int
	MaxSummaryRunes int
	MaxInputRunes   int
	CallTimeout     time.Duration
	MaxInFlight     int
	Categories      []string
}

func (c Config) withDefaults() Config {
	if c.Version <= 0 {
		c.Version = 1
	}
	if c.MaxTags <= 0 {
		c.MaxTags = 8
	}
	if c.MaxSummaryRunes <= 0 {
		c.MaxSummaryRunes = 600
	}
	if c.MaxInputRunes <= 0 {
		c.MaxInputRunes = 6000
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2
	}
	return c
}

// Result is the explicit outcome of enriching one record.
type Result struct {
	ID         string
	Outcome    Outcome
	Enrichment opportunity.Enrichment
	Errs       []error
}

// BackfillReport summarizes a backfill pass.
type BackfillReport struct {
	Scanned  int `json:"scanned"`
	Enriched int `json:"enriched"`
	Partial  int `json:"partial"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

func (r *BackfillReport) add(o Outcome) {
	switch o {
	case OutcomeEnriched:
		r.Enriched++
	case OutcomePartial:
		r.Partial++
	case OutcomeDegraded:
		r.Degraded++
	default:
		r.Failed++
	}
}

// Enricher runs backend calls under a shared rate limit and in-flight bound.
type Enricher struct {
	backend Backend
	store   opportunity.EnrichmentStore
	limiter Limiter
	clock   opportunity.Clock
	emitter progress.Emitter
	cfg     Config
	sem     chan struct{}
	logger  *zap.Logger
}

// New constructs an Enricher. limiter and emitter may be nil.
func New(
	backend Backend,
	store opportunity.EnrichmentStore,
	limiter Limiter,
	clock opportunity.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Enricher {
	if backend == nil {
		backend = Disabled{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Enricher{
		backend: backend,
		store:   store,
		limiter: limiter,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		logger:  logger.Named("enrich"),
	}
}

// Version returns the enrichment version stamped on complete results.
func (e *Enricher) Version() int {
	return e.cfg.Version
}

// Enrich runs classify, summarize and tag extraction for task and writes
// whatever survived sanitation. It never returns an error; failures are
// carried in the Result.
func (e *Enricher) Enrich(ctx context.Context, task opportunity.EnrichmentTask) Result {
	start := time.Now()
	res := e.enrich(ctx, task)
	e.emit(res, time.Since(start))
	return res
}

func (e *Enricher) enrich(ctx context.Context, task opportunity.EnrichmentTask) Result {
	res := Result{ID: task.ID, Outcome: OutcomeFailed}
	text := e.input(task)
	if text == "" {
		res.Outcome = OutcomeDegraded
		res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "input", Err: errors.New("empty text")})
		// Nothing to send to the backend at this version; stamp it so backfill
		// stops reselecting the record.
		stamp := opportunity.Enrichment{Version: e.cfg.Version, Complete: true, At: e.clock.Now().UTC()}
		if err := e.store.ApplyEnrichment(ctx, task.ID, stamp); err != nil {
			res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "apply", Err: err})
		}
		return res
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "acquire", Err: ctx.Err()})
		return res
	}

	var (
		enr     opportunity.Enrichment
		usable  int
		errored int
	)
	fail := func(op string, err error) {
		errored++
		res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: op, Err: err})
	}

	if err := e.call(ctx, func(cctx context.Context) error {
		cat, conf, err := e.backend.Classify(cctx, text)
		if err != nil {
			return err
		}
		label, ok := CleanCategory(cat, e.cfg.Categories)
		if !ok {
			res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "classify", Err: fmt.Errorf("unusable category %q", cat)})
			return nil
		}
		enr.Category = &label
		if c, ok := CleanConfidence(conf); ok {
			enr.Confidence = &c
		}
		usable++
		return nil
	}); err != nil {
		fail("classify", err)
	}

	if err := e.call(ctx, func(cctx context.Context) error {
		raw, err := e.backend.Summarize(cctx, text)
		if err != nil {
			return err
		}
		if s, ok := CleanSummary(raw, e.cfg.MaxSummaryRunes); ok {
			enr.Summary = &s
			usable++
		} else {
			res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "summarize", Err: errors.New("empty summary")})
		}
		return nil
	}); err != nil {
		fail("summarize", err)
	}

	if err := e.call(ctx, func(cctx context.Context) error {
		raw, err := e.backend.ExtractTags(cctx, text)
		if err != nil {
			return err
		}
		if tags := CleanTags(raw, e.cfg.MaxTags); len(tags) > 0 {
			enr.Tags = tags
			usable++
		} else {
			res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "tags", Err: errors.New("no usable tags")})
		}
		return nil
	}); err != nil {
		fail("tags", err)
	}

	switch {
	case errored == 3:
		return res
	case enr.Empty():
		res.Outcome = OutcomeDegraded
		return res
	}

	enr.At = e.clock.Now().UTC()
	if usable == 3 {
		enr.Complete = true
		enr.Version = e.cfg.Version
	}
	if err := e.store.ApplyEnrichment(ctx, task.ID, enr); err != nil {
		res.Errs = append(res.Errs, &opportunity.EnrichmentError{ID: task.ID, Op: "apply", Err: err})
		return res
	}
	res.Enrichment = enr
	if enr.Complete {
		res.Outcome = OutcomeEnriched
	} else {
		res.Outcome = OutcomePartial
	}
	return res
}

// call waits for the limiter, bounds latency and converts panics to errors.
func (e *Enricher) call(ctx context.Context, fn func(context.Context) error) (err error) {
	if e.limiter != nil {
		if err := e.limiter.WaitKey(ctx, RateKey); err != nil {
			return err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()
	return fn(cctx)
}

func (e *Enricher) input(task opportunity.EnrichmentTask) string {
	title := strings.TrimSpace(task.Title)
	body := strings.TrimSpace(task.Body)
	text := title
	if body != "" {
		if text != "" {
			text += "\n\n"
		}
		text += body
	}
	return truncateRunes(text, e.cfg.MaxInputRunes)
}

func (e *Enricher) emit(res Result, dur time.Duration) {
	fields := []zap.Field{
		zap.String("id", res.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", dur),
	}
	if len(res.Errs) > 0 {
		fields = append(fields, zap.Error(errors.Join(res.Errs...)))
	}
	e.logger.Debug("enrichment finished", fields...)
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(progress.Event{
		TS:      e.clock.Now().UTC(),
		Stage:   progress.StageEnrichDone,
		Outcome: string(res.Outcome),
		Dur:     dur,
		Note:    res.ID,
	})
}

// Backfill re-enriches up to limit records whose version is below the current
// one on a pool of MaxInFlight workers.
func (e *Enricher) Backfill(ctx context.Context, limit int) (BackfillReport, error) {
	var report BackfillReport
	pending, err := e.store.ListPendingEnrichment(ctx, e.cfg.Version, limit)
	if err != nil {
		return report, fmt.Errorf("list pending enrichment: %w", err)
	}
	report.Scanned = len(pending)

	var mu sync.Mutex
	pool := pond.NewPool(e.cfg.MaxInFlight)
	for _, opp := range pending {
		if ctx.Err() != nil {
			break
		}
		task := opportunity.TaskFor(opp.ID, opp.Record)
		pool.Submit(func() {
			res := e.Enrich(ctx, task)
			mu.Lock()
			report.add(res.Outcome)
			mu.Unlock()
		})
	}
	pool.StopAndWait()
	e.logger.Info("backfill finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("enriched", report.Enriched),
		zap.Int("partial", report.Partial),
		zap.Int("failed", report.Failed),
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("backfill interrupted: %w", err)
	}
	return report, nil
}
