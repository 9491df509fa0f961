package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/conversion-progress/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	started := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.UpsertRunStart(ctx, "c1", "", started))
	require.NoError(t, s.UpsertRunStart(ctx, "c1", "report.pdf", started.Add(time.Second)))

	run, err := s.GetRun(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, "report.pdf", run.FileName)
	require.True(t, started.Equal(run.StartedAt), "start time is kept from the first sighting")

	secs := 3.5
	require.NoError(t, s.CompleteRun(ctx, "c1", started.Add(time.Minute), store.RunSuccess, store.RunResult{
		OutputFile:        "report.md",
		ProcessingSeconds: &secs,
	}))
	run, err = s.GetRun(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, "report.md", *run.OutputFile)
	require.InDelta(t, 3.5, *run.ProcessingSeconds, 0)
	require.Nil(t, run.ErrorMessage)
}

func TestRunStoreCompleteWithoutStart(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.CompleteRun(ctx, "c9", at, store.RunError, store.RunResult{ErrorMessage: "bad pdf"}))
	run, err := s.GetRun(ctx, "c9")
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, "bad pdf", *run.ErrorMessage)
	require.True(t, at.Equal(run.StartedAt))
}

func TestRunStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore().GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	s := NewRunStore()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.UpsertRunStart(ctx, id, "", base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.CompleteRun(ctx, "b", base.Add(time.Hour), store.RunCancelled, store.RunResult{}))

	all, err := s.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"d", "c", "b", "a"}, jobIDs(all))

	page, err := s.ListRuns(ctx, nil, 2, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, jobIDs(page))

	cancelled := store.RunCancelled
	filtered, err := s.ListRuns(ctx, &cancelled, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, jobIDs(filtered))

	empty, err := s.ListRuns(ctx, nil, 10, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func jobIDs(runs []store.Run) []string {
	out := make([]string, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.JobID)
	}
	return out
}
