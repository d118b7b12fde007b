package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func publishLogs(h *Hub, n int) {
	for i := 0; i < n; i++ {
		h.Publish(&Log{Header: Header{Type: KindLog}, Level: "info", Message: fmt.Sprintf("line %d", i)})
	}
}

func TestHubPublishStampsEvents(t *testing.T) {
	hub := NewHub("job-1", 8)

	ev := hub.Publish(&Status{Header: Header{Type: KindStatus}, Status: StatusRunning})
	if ev.Job() != "job-1" {
		t.Errorf("job id not stamped: %q", ev.Job())
	}
	if ev.Sequence() != 1 {
		t.Errorf("first event should carry seq 1, got %d", ev.Sequence())
	}

	second := hub.Publish(&Log{Header: Header{Type: KindLog}, Level: "info", Message: "hello"})
	if second.Sequence() != 2 {
		t.Errorf("second event should carry seq 2, got %d", second.Sequence())
	}
	if hub.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, want 2", hub.LastSeq())
	}
}

func TestHubFetchSince(t *testing.T) {
	hub := NewHub("job-1", 16)
	publishLogs(hub, 5)

	events, next, err := hub.Fetch(context.Background(), 2, 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after seq 2, got %d", len(events))
	}
	if events[0].Sequence() != 3 {
		t.Errorf("first returned seq = %d, want 3", events[0].Sequence())
	}
	if next != 5 {
		t.Errorf("next cursor = %d, want 5", next)
	}
}

func TestHubOverflowDropsOldest(t *testing.T) {
	hub := NewHub("job-1", 4)
	publishLogs(hub, 10)

	if first := hub.FirstSequence(); first != 7 {
		t.Errorf("FirstSequence = %d, want 7", first)
	}
	events, _, err := hub.Fetch(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 buffered events, got %d", len(events))
	}
	if events[0].Sequence() != 7 || events[3].Sequence() != 10 {
		t.Errorf("window mismatch: [%d..%d]", events[0].Sequence(), events[3].Sequence())
	}
}

func TestHubFetchBlocksUntilPublish(t *testing.T) {
	hub := NewHub("job-1", 8)

	got := make(chan []Event, 1)
	go func() {
		events, _, err := hub.Fetch(context.Background(), 0, 0, true)
		if err != nil {
			t.Errorf("Fetch failed: %v", err)
		}
		got <- events
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(&Log{Header: Header{Type: KindLog}, Level: "info", Message: "wake"})

	select {
	case events := <-got:
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not wake after publish")
	}
}

func TestHubFetchContextCancel(t *testing.T) {
	hub := NewHub("job-1", 8)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, _, err := hub.Fetch(ctx, 0, 0, true)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not observe cancellation")
	}
}

func TestHubCloseDrainsThenReportsClosed(t *testing.T) {
	hub := NewHub("job-1", 8)
	publishLogs(hub, 2)
	hub.Close()

	events, next, err := hub.Fetch(context.Background(), 0, 0, true)
	if err != nil {
		t.Fatalf("buffered events should stay readable after close: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	_, _, err = hub.Fetch(context.Background(), next, 0, true)
	if !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed once drained, got %v", err)
	}
}

func TestHubPublishAfterCloseIsNoop(t *testing.T) {
	hub := NewHub("job-1", 8)
	hub.Close()
	hub.Publish(&Log{Header: Header{Type: KindLog}, Level: "info", Message: "late"})
	if hub.LastSeq() != 0 {
		t.Errorf("closed hub accepted a publish, LastSeq = %d", hub.LastSeq())
	}
}

func TestHubResumeInsideWindow(t *testing.T) {
	hub := NewHub("job-1", 16)
	hub.SetSnapshotFunc(func() *Snapshot {
		t.Fatal("snapshot must not be consulted while the cursor is replayable")
		return nil
	})
	publishLogs(hub, 5)

	snap, events := hub.Resume(3)
	if snap != nil {
		t.Fatal("expected replay, got snapshot")
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(events))
	}
}

func TestHubResumeAgedCursorFallsBackToSnapshot(t *testing.T) {
	hub := NewHub("job-1", 4)
	hub.SetSnapshotFunc(func() *Snapshot {
		return &Snapshot{LastSeq: 10, State: JobState{Status: StatusRunning}}
	})
	publishLogs(hub, 10)

	snap, events := hub.Resume(2)
	if snap == nil {
		t.Fatal("expected snapshot for aged cursor")
	}
	if events != nil {
		t.Fatalf("expected no replay alongside snapshot, got %d events", len(events))
	}
	if snap.Kind() != KindSnapshot || snap.Job() != "job-1" {
		t.Errorf("snapshot header not filled: type=%q job=%q", snap.Kind(), snap.Job())
	}
	if snap.LastSeq != 10 {
		t.Errorf("lastSeq = %d, want 10", snap.LastSeq)
	}
}

func TestHubResumeFreshSubscriberAfterOverflow(t *testing.T) {
	hub := NewHub("job-1", 4)
	hub.SetSnapshotFunc(func() *Snapshot {
		return &Snapshot{LastSeq: 10, State: JobState{Status: StatusRunning}}
	})
	publishLogs(hub, 10)

	snap, _ := hub.Resume(0)
	if snap == nil {
		t.Fatal("fresh subscriber behind an overflowed buffer should get a snapshot")
	}
}

func TestHubResumeWithoutSnapshotFuncReplaysWindow(t *testing.T) {
	hub := NewHub("job-1", 4)
	publishLogs(hub, 10)

	snap, events := hub.Resume(0)
	if snap != nil {
		t.Fatal("no snapshot func wired; expected replay")
	}
	if len(events) != 4 {
		t.Fatalf("expected the 4 buffered events, got %d", len(events))
	}
}
