package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/conversion-progress/internal/progress"
)

// PrometheusSink exports progress channel metrics. It owns every collector
// it registers.
type PrometheusSink struct {
	frames          *prometheus.CounterVec
	completions     *prometheus.CounterVec
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	discarded       prometheus.Counter
	trackedJobs     prometheus.Gauge
	jobsRunning     prometheus.Gauge
	jobRuntime      *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_frames_total",
			Help: "Frames applied to the progress table partitioned by kind.",
		}, []string{"kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_completions_total",
			Help: "Completion frames partitioned by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_connection_state",
			Help: "Push channel state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_reconnects_total",
			Help: "Reconnect attempts driven by the reconnect timer.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_discarded_frames_total",
			Help: "Inbound frames dropped as malformed.",
		}),
		trackedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_tracked_jobs",
			Help: "Entries currently held in the progress table.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_jobs_running",
			Help: "Jobs seen on the channel that have not completed yet.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_job_runtime_seconds",
			Help:    "Backend-reported processing time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.frames,
		s.completions,
		s.connectionState,
		s.reconnects,
		s.discarded,
		s.trackedJobs,
		s.jobsRunning,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.EventState:
		s.connectionState.Set(float64(evt.State))
		if evt.State == progress.Connecting && evt.Reconnect {
			s.reconnects.Inc()
		}
	case progress.EventDiscarded:
		s.discarded.Inc()
	case progress.EventSnapshot:
		s.frames.WithLabelValues(string(evt.Snapshot.Kind)).Inc()
		if evt.Snapshot.Status == progress.StatusCancelled {
			s.finish(evt.JobID)
		} else if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.EventCompleted:
		s.frames.WithLabelValues(string(progress.KindCompletion)).Inc()
		result := "error"
		if evt.Snapshot.Status == progress.StatusCompleted {
			result = "success"
		}
		s.completions.WithLabelValues(result).Inc()
		if evt.Snapshot.ProcessingTime != nil && *evt.Snapshot.ProcessingTime > 0 {
			s.jobRuntime.WithLabelValues(result).Observe(*evt.Snapshot.ProcessingTime)
		}
		s.finish(evt.JobID)
	case progress.EventCleared, progress.EventExpired:
		s.finish(evt.JobID)
	}
	s.trackedJobs.Set(float64(evt.Jobs))
}

func (s *PrometheusSink) finish(jobID string) {
	if s.tracker.complete(jobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
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
