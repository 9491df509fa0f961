package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub_Emit counts completions delivered to a sink.
func ExampleHub_Emit() {
	completed := 0
	sink := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Type == EventCompleted {
				completed++
			}
		}
		return nil
	})
	hub := NewHub(HubConfig{MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{Type: EventSnapshot, TS: time.Unix(0, 0), JobID: "c1"})
	hub.Emit(Event{Type: EventCompleted, TS: time.Unix(1, 0), JobID: "c1"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("completions: %d\n", completed)
	// Output:
	// completions: 1
}

// ExampleParseFrame decodes a progress frame pushed by the backend.
func ExampleParseFrame() {
	snap, err := ParseFrame([]byte(`{"type":"progress","conversion_id":"c1","progress":42,"status":"processing"}`))
	if err != nil {
		panic(err)
	}
	pct, _ := snap.Percent()
	fmt.Println(snap.JobID(), pct, snap.Status)
	// Output:
	// c1 42 processing
}
