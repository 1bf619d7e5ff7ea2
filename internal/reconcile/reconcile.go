// Package reconcile infers closures from absence, one source scope at a time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/opportunity"
)

// DefaultGrace is used when neither the config nor a source override sets one.
const DefaultGrace = 24 * time.Hour

// Exemption reasons recorded on ReconcilerScopeError.
const (
	ReasonFetchFailed  = "fetch failed"
	ReasonPartialFetch = "partial fetch"
	ReasonTimedOut     = "fetch timed out"
	ReasonZeroYield    = "zero yield"
)

// Closer is the slice of the store the reconciler needs.
type Closer interface {
	CloseStale(ctx context.Context, sourceID string, grace time.Duration, asOf time.Time) (int64, error)
}

// SourceOutcome is what the orchestrator observed for one source this cycle.
type SourceOutcome struct {
	SourceID string
	// Yield is the number of records persisted for the source this cycle.
	Yield    int
	Err      error
	TimedOut bool
}

// SourceResult is the reconciliation outcome of one source.
type SourceResult struct {
	SourceID string
	Grace    time.Duration
	Closed   int64
	Exempt   *opportunity.ReconcilerScopeError
	Err      error
}

// Report aggregates one reconciliation pass.
type Report struct {
	AsOf    time.Time
	Sources []SourceResult
	Closed  int64
}

// Config carries the global grace window and per-source overrides.
type Config struct {
	Grace     time.Duration
	Overrides map[string]time.Duration
}

// Reconciler closes stale open records per source.
type Reconciler struct {
	store  Closer
	clock  opportunity.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(store Closer, clock opportunity.Clock, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, clock: clock, cfg: cfg, logger: logger.Named("reconcile")}
}

// GraceFor returns the grace window applied to sourceID.
func (r *Reconciler) GraceFor(sourceID string) time.Duration {
	if g, ok := r.cfg.Overrides[sourceID]; ok && g > 0 {
		return g
	}
	return r.cfg.Grace
}

// Exemption returns the scope error that keeps a source's records open this
// cycle, or nil when the source may be swept.
func Exemption(o SourceOutcome) *opportunity.ReconcilerScopeError {
	var adapterErr *opportunity.AdapterError
	switch {
	case o.TimedOut:
		return &opportunity.ReconcilerScopeError{SourceID: o.SourceID, Reason: ReasonTimedOut}
	case errors.As(o.Err, &adapterErr) && adapterErr.Partial:
		return &opportunity.ReconcilerScopeError{SourceID: o.SourceID, Reason: ReasonPartialFetch}
	case o.Err != nil:
		return &opportunity.ReconcilerScopeError{SourceID: o.SourceID, Reason: ReasonFetchFailed}
	case o.Yield == 0:
		return &opportunity.ReconcilerScopeError{SourceID: o.SourceID, Reason: ReasonZeroYield}
	}
	return nil
}

// Reconcile sweeps every observed source once. It must run after all adapters
// of the cycle have finished. CloseStale errors are recorded per source and
// never abort the pass, except for store atomicity violations which are
// returned to the caller.
func (r *Reconciler) Reconcile(ctx context.Context, outcomes []SourceOutcome) (Report, error) {
	report := Report{AsOf: r.clock.Now().UTC()}
	sorted := append([]SourceOutcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	seen := make(map[string]struct{}, len(sorted))
	for _, o := range sorted {
		if _, dup := seen[o.SourceID]; dup {
			continue
		}
		seen[o.SourceID] = struct{}{}

		res := SourceResult{SourceID: o.SourceID, Grace: r.GraceFor(o.SourceID)}
		if ex := Exemption(o); ex != nil {
			res.Exempt = ex
			r.logger.Warn("source exempt from closure",
				zap.String("source_id", o.SourceID),
				zap.String("reason", ex.Reason),
			)
			report.Sources = append(report.Sources, res)
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Err = fmt.Errorf("reconcile %s: %w", o.SourceID, err)
			report.Sources = append(report.Sources, res)
			continue
		}

		closed, err := r.store.CloseStale(ctx, o.SourceID, res.Grace, report.AsOf)
		if err != nil {
			if errors.Is(err, opportunity.ErrAtomicityViolation) {
				return report, err
			}
			res.Err = fmt.Errorf("close stale %s: %w", o.SourceID, err)
			r.logger.Error("close stale failed", zap.String("source_id", o.SourceID), zap.Error(err))
		}
		res.Closed = closed
		report.Closed += closed
		if closed > 0 {
			r.logger.Info("closed stale records",
				zap.String("source_id", o.SourceID),
				zap.Int64("closed", closed),
				zap.Duration("grace", res.Grace),
			)
		}
		report.Sources = append(report.Sources, res)
	}
	return report, nil
}
