package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "got %v", got)
}

func TestClockAfterFuncFires(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	New().AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestClockAfterFuncStop(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	timer := New().AfterFunc(time.Hour, func() { fired <- struct{}{} })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	require.Empty(t, fired)
}
