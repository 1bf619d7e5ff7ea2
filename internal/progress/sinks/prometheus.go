package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/procurement-crawler/internal/progress"
)

// PrometheusSink exports ingestion progress via Prometheus. It owns the
// collectors for cycles, per-source record counts, closures and enrichment.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cyclesRunning   prometheus.Gauge
	cycleRuntime    *prometheus.HistogramVec

	sourceRecords  *prometheus.CounterVec
	sourceFailures *prometheus.CounterVec
	sourceZero     *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec

	recordsClosed *prometheus.CounterVec
	enrichments   *prometheus.CounterVec

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_cycles_started_total",
			Help: "Total ingestion cycles that have started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_cycles_completed_total",
			Help: "Total cycles completed partitioned by result.",
		}, []string{"result"}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_cycles_running",
			Help: "Current number of running cycles.",
		}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_cycle_runtime_seconds",
			Help:    "Wall time per completed cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		sourceRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_records_total",
			Help: "Records handled per source partitioned by outcome.",
		}, []string{"source", "outcome"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_failures_total",
			Help: "Adapter runs that ended in a failed state.",
		}, []string{"source"}),
		sourceZero: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_zero_yield_total",
			Help: "Adapter runs that produced no records.",
		}, []string{"source"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_source_duration_seconds",
			Help:    "Adapter run duration partitioned by final state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"source", "state"}),
		recordsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_records_closed_total",
			Help: "Records closed by the lifecycle reconciler.",
		}, []string{"source"}),
		enrichments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_enrichment_results_total",
			Help: "Enrichment attempts partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cyclesRunning,
		s.cycleRuntime,
		s.sourceRecords,
		s.sourceFailures,
		s.sourceZero,
		s.sourceDuration,
		s.recordsClosed,
		s.enrichments,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart, progress.StageCycleDone, progress.StageCycleError:
		s.handleCycleEvent(evt)
	case progress.StageSourceDone, progress.StageSourceFailed:
		s.handleSourceEvent(evt)
	case progress.StageReconcileDone:
		if evt.Closed > 0 {
			s.recordsClosed.WithLabelValues(evt.Source).Add(float64(evt.Closed))
		}
	case progress.StageEnrichDone:
		s.enrichments.WithLabelValues(evt.Outcome).Inc()
	}
}

func (s *PrometheusSink) handleCycleEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart:
		s.cyclesStarted.Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesRunning.Inc()
		}
		return
	case progress.StageCycleDone:
		result := evt.Outcome
		if result == "" {
			result = "success"
		}
		s.cyclesCompleted.WithLabelValues(result).Inc()
		s.observeRuntime(evt, result)
	case progress.StageCycleError:
		s.cyclesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.CycleID) {
		s.cyclesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.cycleRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleSourceEvent(evt progress.Event) {
	src := evt.Source
	s.sourceRecords.WithLabelValues(src, "created").Add(float64(evt.Created))
	s.sourceRecords.WithLabelValues(src, "updated").Add(float64(evt.Updated))
	s.sourceRecords.WithLabelValues(src, "failed").Add(float64(evt.Failed))
	if evt.Stage == progress.StageSourceFailed {
		s.sourceFailures.WithLabelValues(src).Inc()
	}
	if evt.ZeroYield {
		s.sourceZero.WithLabelValues(src).Inc()
	}
	state := evt.State
	if state == "" {
		state = "unknown"
	}
	if evt.Dur > 0 {
		s.sourceDuration.WithLabelValues(src, state).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[[16]byte]struct{})}
}

func (t *cycleTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
