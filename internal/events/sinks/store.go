package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wikiprint/wikiprint/internal/events"
	"github.com/wikiprint/wikiprint/internal/storage/postgres"
)

// OutcomeRecorder persists one terminal render outcome.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome postgres.RenderOutcome) error
}

// StoreSink persists terminal events through an OutcomeRecorder. Transit
// stages (queue.new, process.started) are skipped; only how a job ended is
// worth a durable row.
type StoreSink struct {
	recorder OutcomeRecorder
	logger   *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided recorder.
func NewStoreSink(recorder OutcomeRecorder, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{recorder: recorder, logger: logger}
}

// Consume forwards the terminal events of the batch to the recorder. It
// respects ctx deadlines and returns recorder errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.recorder == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		outcome := postgres.RenderOutcome{
			JobID:   evt.JobID,
			Stage:   string(evt.Stage),
			At:      evt.TS,
			WaitMs:  evt.Wait.Milliseconds(),
			RunMs:   evt.Run.Milliseconds(),
			PDFSize: evt.Bytes,
			Note:    evt.Note,
		}
		if err := s.recorder.RecordOutcome(ctx, outcome); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
