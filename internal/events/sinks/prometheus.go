package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wikiprint/wikiprint/internal/events"
)

// PrometheusSink exports render lifecycle metrics. It owns all collectors
// for submissions, rejections, completions and the in-flight gauges.
type PrometheusSink struct {
	jobsSubmitted  prometheus.Counter
	jobsRejected   *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobsWaiting    prometheus.Gauge
	queueWait      prometheus.Histogram
	renderDuration *prometheus.HistogramVec
	renderBytes    prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_jobs_submitted_total",
			Help: "Total render jobs admitted to the queue.",
		}),
		jobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_jobs_rejected_total",
			Help: "Total render jobs rejected before running, partitioned by reason.",
		}, []string{"reason"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "render_jobs_completed_total",
			Help: "Total render jobs that ran to an outcome, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_jobs_running",
			Help: "Current number of renders holding a browser.",
		}),
		jobsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "render_jobs_waiting",
			Help: "Current number of admitted renders awaiting a slot.",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "render_queue_wait_seconds",
			Help:    "Time spent waiting before a render started or aged out.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Wall time per render partitioned by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		renderBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_pdf_bytes_total",
			Help: "Total bytes of PDF output produced.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsRejected,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobsWaiting,
		s.queueWait,
		s.renderDuration,
		s.renderBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register render collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageQueueNew:
		s.jobsSubmitted.Inc()
		if s.tracker.wait(evt.JobID) {
			s.jobsWaiting.Inc()
		}
	case events.StageQueueFull:
		s.jobsRejected.WithLabelValues("queue_full").Inc()
	case events.StageQueueTimeout:
		s.jobsRejected.WithLabelValues("queue_timeout").Inc()
		s.leaveWaiting(evt)
		s.observeWait(evt)
	case events.StageQueueAbort:
		s.jobsRejected.WithLabelValues("cancelled").Inc()
		s.leaveWaiting(evt)
		s.observeWait(evt)
	case events.StageProcessStarted:
		s.leaveWaiting(evt)
		if s.tracker.run(evt.JobID) {
			s.jobsRunning.Inc()
		}
		s.observeWait(evt)
	case events.StageProcessSuccess:
		s.finishRun(evt, "success")
		if evt.Bytes > 0 {
			s.renderBytes.Add(float64(evt.Bytes))
		}
	case events.StageProcessFailure:
		s.finishRun(evt, "failure")
	case events.StageProcessAbort:
		s.finishRun(evt, "cancelled")
	case events.StageProcessTimeout:
		s.finishRun(evt, "timeout")
	}
}

func (s *PrometheusSink) finishRun(evt events.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
	if evt.Run > 0 {
		s.renderDuration.WithLabelValues(result).Observe(evt.Run.Seconds())
	}
}

func (s *PrometheusSink) leaveWaiting(evt events.Event) {
	if s.tracker.leaveWait(evt.JobID) {
		s.jobsWaiting.Dec()
	}
}

func (s *PrometheusSink) observeWait(evt events.Event) {
	if evt.Wait > 0 {
		s.queueWait.Observe(evt.Wait.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker keeps the waiting/running gauges honest when batches replay or
// a stage is delivered twice.
type jobTracker struct {
	mu      sync.Mutex
	waiting map[string]struct{}
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{
		waiting: make(map[string]struct{}),
		running: make(map[string]struct{}),
	}
}

func (t *jobTracker) wait(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiting[id]; ok {
		return false
	}
	t.waiting[id] = struct{}{}
	return true
}

func (t *jobTracker) leaveWait(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiting[id]; !ok {
		return false
	}
	delete(t.waiting, id)
	return true
}

func (t *jobTracker) run(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
