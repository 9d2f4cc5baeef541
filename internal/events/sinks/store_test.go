package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wikiprint/wikiprint/internal/events"
	"github.com/wikiprint/wikiprint/internal/storage/postgres"
)

type fakeRecorder struct {
	fail     bool
	outcomes []postgres.RenderOutcome
}

func (f *fakeRecorder) RecordOutcome(_ context.Context, outcome postgres.RenderOutcome) error {
	if f.fail {
		return errors.New("boom")
	}
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

// TestStoreSinkPersistsTerminalEvents ensures only settling stages reach the
// recorder, with durations converted to milliseconds.
func TestStoreSinkPersistsTerminalEvents(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{}
	sink := NewStoreSink(recorder, nil)
	now := time.Now().UTC()

	batch := []events.Event{
		{JobID: "job-1", TS: now, Stage: events.StageQueueNew},
		{JobID: "job-1", TS: now, Stage: events.StageProcessStarted, Wait: 120 * time.Millisecond},
		{
			JobID: "job-1",
			TS:    now.Add(3 * time.Second),
			Stage: events.StageProcessSuccess,
			Wait:  120 * time.Millisecond,
			Run:   2400 * time.Millisecond,
			Bytes: 48230,
		},
		{JobID: "job-2", TS: now, Stage: events.StageQueueTimeout, Wait: 5 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Len(t, recorder.outcomes, 2)

	first := recorder.outcomes[0]
	require.Equal(t, "job-1", first.JobID)
	require.Equal(t, "process.success", first.Stage)
	require.EqualValues(t, 120, first.WaitMs)
	require.EqualValues(t, 2400, first.RunMs)
	require.EqualValues(t, 48230, first.PDFSize)

	second := recorder.outcomes[1]
	require.Equal(t, "queue.timeout", second.Stage)
	require.EqualValues(t, 5000, second.WaitMs)
}

// TestStoreSinkSurfacesRecorderErrors.
func TestStoreSinkSurfacesRecorderErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeRecorder{fail: true}, nil)
	err := sink.Consume(context.Background(), []events.Event{
		{JobID: "job-1", TS: time.Now(), Stage: events.StageProcessFailure},
	})
	require.Error(t, err)

	// A sink without a recorder is a no-op, not a failure.
	empty := NewStoreSink(nil, nil)
	require.NoError(t, empty.Consume(context.Background(), []events.Event{
		{JobID: "job-1", TS: time.Now(), Stage: events.StageProcessFailure},
	}))
}
