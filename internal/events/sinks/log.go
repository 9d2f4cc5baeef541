package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/wikiprint/wikiprint/internal/events"
)

// LogSink writes each lifecycle event as a structured log line. It is useful
// during development or audits where a durable store is unavailable.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("wait", evt.Wait),
			zap.Duration("run", evt.Run),
			zap.Int64("bytes", evt.Bytes),
			zap.String("note", evt.Note),
		}
		s.logger.Info("render event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
