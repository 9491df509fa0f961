package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/conversion-progress/internal/progress"
)

// LogSink writes one structured line per client event. Snapshot and discard
// events are logged at debug level since they arrive at frame rate.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		if evt.Type == progress.EventSnapshot || evt.Type == progress.EventDiscarded {
			level = zapcore.DebugLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("type", string(evt.Type)),
		zap.Time("ts", evt.TS),
		zap.Int("jobs", evt.Jobs),
	}
	if evt.JobID != "" {
		fields = append(fields, zap.String("job_id", evt.JobID))
	}
	switch evt.Type {
	case progress.EventState:
		fields = append(fields, zap.Stringer("state", evt.State), zap.Bool("reconnect", evt.Reconnect))
	case progress.EventSnapshot, progress.EventCompleted:
		snap := evt.Snapshot
		fields = append(fields, zap.String("kind", string(snap.Kind)), zap.String("status", string(snap.Status)))
		if pct, ok := snap.Percent(); ok {
			fields = append(fields, zap.Int("progress", pct))
		}
		if snap.CurrentStep != "" {
			fields = append(fields, zap.String("step", snap.CurrentStep))
		}
		if snap.ErrorMessage != "" {
			fields = append(fields, zap.String("error_message", snap.ErrorMessage))
		}
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
