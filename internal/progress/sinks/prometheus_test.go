package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/conversion-progress/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	secs := 12.0
	batch := []progress.Event{
		{Type: progress.EventState, TS: now, State: progress.Connecting},
		{Type: progress.EventState, TS: now, State: progress.Connected},
		{Type: progress.EventSnapshot, TS: now, JobID: "c1", Jobs: 1, Snapshot: snapshot(progress.KindProgress, "processing")},
		{Type: progress.EventSnapshot, TS: now, JobID: "c1", Jobs: 1, Snapshot: snapshot(progress.KindProgress, "processing")},
		{Type: progress.EventSnapshot, TS: now, JobID: "b1", Jobs: 2, Snapshot: snapshot(progress.KindBatchProgress, "processing")},
		{Type: progress.EventDiscarded, TS: now, Jobs: 2},
		{Type: progress.EventCompleted, TS: now, JobID: "c1", Jobs: 2, Snapshot: func() progress.Snapshot {
			s := snapshot(progress.KindCompletion, "completed")
			s.ProcessingTime = &secs
			return s
		}()},
		{Type: progress.EventState, TS: now, State: progress.Disconnected, Jobs: 2},
		{Type: progress.EventState, TS: now, State: progress.Connecting, Reconnect: true, Jobs: 2},
		{Type: progress.EventExpired, TS: now, JobID: "c1", Jobs: 1},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.frames.WithLabelValues("progress")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.frames.WithLabelValues("batch_progress")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.frames.WithLabelValues("completion")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.completions.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.completions.WithLabelValues("error")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.reconnects), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.discarded), 1e-9)
	require.InDelta(t, float64(progress.Connecting), testutil.ToFloat64(sink.connectionState), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.trackedJobs), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsRunning), 1e-9, "b1 still running")
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "progress_job_runtime_seconds"))
}

func TestPrometheusSinkCancelledStopsRunning(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Type: progress.EventSnapshot, TS: now, JobID: "c1", Snapshot: snapshot(progress.KindProgress, "processing")},
		{Type: progress.EventSnapshot, TS: now, JobID: "c1", Snapshot: snapshot(progress.KindProgress, "cancelled")},
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func snapshot(kind progress.Kind, status progress.Status) progress.Snapshot {
	return progress.Snapshot{Kind: kind, Status: status}
}
