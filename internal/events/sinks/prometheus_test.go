package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/wikiprint/wikiprint/internal/events"
)

// TestPrometheusSinkRecordsMetrics ensures counters, gauges and histograms
// follow a job through its lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{JobID: "job-1", TS: now, Stage: events.StageQueueNew},
		{JobID: "job-1", TS: now.Add(time.Second), Stage: events.StageProcessStarted, Wait: time.Second},
		{
			JobID: "job-1",
			TS:    now.Add(4 * time.Second),
			Stage: events.StageProcessSuccess,
			Wait:  time.Second,
			Run:   3 * time.Second,
			Bytes: 2048,
		},
		{JobID: "job-2", TS: now, Stage: events.StageQueueFull},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsSubmitted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRejected.WithLabelValues("queue_full")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsWaiting))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.renderBytes), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.renderDuration, "render_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.queueWait, "render_queue_wait_seconds"))
}

// TestPrometheusSinkGaugesTrackInFlight exercises the waiting and running
// gauges mid-flight and after a timeout.
func TestPrometheusSinkGaugesTrackInFlight(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{JobID: "a", TS: now, Stage: events.StageQueueNew},
		{JobID: "b", TS: now, Stage: events.StageQueueNew},
		{JobID: "a", TS: now, Stage: events.StageProcessStarted},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsWaiting))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{JobID: "b", TS: now, Stage: events.StageQueueTimeout, Wait: time.Second},
		{JobID: "a", TS: now, Stage: events.StageProcessTimeout, Run: time.Second},
		// Replays must not drive gauges negative.
		{JobID: "a", TS: now, Stage: events.StageProcessTimeout, Run: time.Second},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsWaiting))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRejected.WithLabelValues("queue_timeout")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("timeout")))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
