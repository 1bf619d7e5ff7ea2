package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-crawler/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	cycleID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{CycleID: cycleID, TS: now, Stage: progress.StageCycleStart},
		{
			CycleID:   cycleID,
			TS:        now.Add(5 * time.Second),
			Stage:     progress.StageSourceDone,
			Source:    "city",
			State:     "done",
			Processed: 4,
			Created:   3,
			Updated:   1,
			Dur:       2 * time.Second,
		},
		{
			CycleID:   cycleID,
			TS:        now.Add(6 * time.Second),
			Stage:     progress.StageSourceFailed,
			Source:    "county",
			State:     "failed",
			ZeroYield: true,
		},
		{CycleID: cycleID, TS: now.Add(7 * time.Second), Stage: progress.StageReconcileDone, Source: "city", Closed: 2},
		{TS: now, Stage: progress.StageEnrichDone, Outcome: "degraded"},
		{CycleID: cycleID, TS: now.Add(8 * time.Second), Stage: progress.StageCycleDone, Outcome: "partial", Dur: 8 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesCompleted.WithLabelValues("partial")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.cyclesRunning))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.sourceRecords.WithLabelValues("city", "created")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourceRecords.WithLabelValues("city", "updated")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourceFailures.WithLabelValues("county")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sourceZero.WithLabelValues("county")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.recordsClosed.WithLabelValues("city")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.enrichments.WithLabelValues("degraded")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.sourceDuration, "ingest_source_duration_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
