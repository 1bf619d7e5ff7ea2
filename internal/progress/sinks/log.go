package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-crawler/internal/progress"
)

// LogSink emits structured logs for progress streams. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.CycleID != [16]byte{} {
			fields = append(fields, zap.String("cycle_id", uuid.UUID(evt.CycleID).String()))
		}
		switch evt.Stage {
		case progress.StageSourceDone, progress.StageSourceFailed:
			fields = append(fields,
				zap.String("source", evt.Source),
				zap.String("state", evt.State),
				zap.Int64("processed", evt.Processed),
				zap.Int64("created", evt.Created),
				zap.Int64("updated", evt.Updated),
				zap.Int64("failed", evt.Failed),
				zap.Bool("zero_yield", evt.ZeroYield),
			)
		case progress.StageReconcileDone:
			fields = append(fields, zap.String("source", evt.Source), zap.Int64("closed", evt.Closed))
		case progress.StageCycleStart:
			fields = append(fields, zap.String("trigger", evt.Trigger))
		case progress.StageCycleDone, progress.StageCycleError:
			fields = append(fields, zap.String("outcome", evt.Outcome), zap.Int64("closed", evt.Closed))
		case progress.StageEnrichDone:
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
