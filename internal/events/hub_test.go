package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		JobID: "job-1",
		TS:    time.Unix(1700000000, 0).UTC(),
		Stage: stage,
	}
}

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize: 8,
		MaxBatch:   2,
		MaxWait:    time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageQueueNew))
	hub.Emit(sampleEvent(StageProcessStarted))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize: 4,
		MaxBatch:   10,
		MaxWait:    25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageQueueNew))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubDiscardsInvalidEvents asserts validation drops malformed payloads.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Stage: StageQueueNew}) // missing job id and timestamp
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains buffered events and closes sinks.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize: 8,
		MaxBatch:   100,
		MaxWait:    time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageQueueNew))
	hub.Emit(sampleEvent(StageProcessSuccess))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.True(t, sink.closed)
}

// TestHubEmitAfterCloseIsNoop ensures a closed hub ignores further events.
func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageQueueNew))
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(StageProcessSuccess)
	require.NoError(t, valid.Validate())
	require.True(t, valid.Terminal())

	started := sampleEvent(StageProcessStarted)
	require.NoError(t, started.Validate())
	require.False(t, started.Terminal())

	unknown := sampleEvent(Stage("bogus"))
	require.Error(t, unknown.Validate())

	negative := sampleEvent(StageQueueTimeout)
	negative.Wait = -time.Second
	require.Error(t, negative.Validate())
}
