package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"spool/internal/reconcile"
	"spool/internal/stream"
)

type step struct {
	ev  stream.Event
	err error
}

type fakeConn struct {
	steps []step
}

func (c *fakeConn) Next() (stream.Event, error) {
	if len(c.steps) == 0 {
		return nil, io.EOF
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s.ev, s.err
}

func (c *fakeConn) Close() error { return nil }

type fakeDialer struct {
	mu     sync.Mutex
	script []func() (Conn, error)
	sinces []uint64
}

func (d *fakeDialer) Subscribe(ctx context.Context, jobID string, since uint64) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinces = append(d.sinces, since)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next()
}

func (d *fakeDialer) recordedSinces() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, len(d.sinces))
	copy(out, d.sinces)
	return out
}

func conn(steps ...step) func() (Conn, error) {
	return func() (Conn, error) { return &fakeConn{steps: steps}, nil }
}

func event(ev stream.Event) step { return step{ev: ev} }

func statusStep(seq uint64, status stream.JobStatus) step {
	return event(&stream.Status{
		Header: stream.Header{Type: stream.KindStatus, JobID: "job-1", Seq: seq},
		Status: status,
	})
}

func doneStep(seq uint64) step {
	exit := 0
	return event(&stream.Done{
		Header:   stream.Header{Type: stream.KindDone, JobID: "job-1", Seq: seq},
		Status:   stream.StatusComplete,
		ExitCode: &exit,
	})
}

func fastBackoff() Option {
	return WithBackoff([]time.Duration{time.Millisecond})
}

func TestRunStopsOnTerminalEvent(t *testing.T) {
	store := reconcile.NewStore("job-1")
	dialer := &fakeDialer{script: []func() (Conn, error){
		conn(statusStep(1, stream.StatusRunning), doneStep(2)),
	}}

	mgr := New(dialer, store, fastBackoff())
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if store.Job().Status != stream.StatusComplete {
		t.Errorf("status = %q, want complete", store.Job().Status)
	}
}

func TestRunSkipsMalformedEvents(t *testing.T) {
	store := reconcile.NewStore("job-1")
	dialer := &fakeDialer{script: []func() (Conn, error){
		conn(
			statusStep(1, stream.StatusRunning),
			step{err: fmt.Errorf("%w: bad payload", stream.ErrMalformedEvent)},
			doneStep(2),
		),
	}}

	mgr := New(dialer, store, fastBackoff())
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if store.Job().Status != stream.StatusComplete {
		t.Errorf("malformed event broke the stream: status = %q", store.Job().Status)
	}
}

func TestRunIgnoresForeignJobEvents(t *testing.T) {
	store := reconcile.NewStore("job-1")
	foreign := &stream.Status{
		Header: stream.Header{Type: stream.KindStatus, JobID: "job-2", Seq: 9},
		Status: stream.StatusError,
	}
	dialer := &fakeDialer{script: []func() (Conn, error){
		conn(event(foreign), doneStep(1)),
	}}

	mgr := New(dialer, store, fastBackoff())
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if store.Job().Status != stream.StatusComplete {
		t.Errorf("foreign event applied: status = %q", store.Job().Status)
	}
}

func TestRunReconnectsWithCursor(t *testing.T) {
	store := reconcile.NewStore("job-1")
	dialer := &fakeDialer{script: []func() (Conn, error){
		conn(statusStep(1, stream.StatusRunning), statusStep(2, stream.StatusRunning)),
		conn(doneStep(3)),
	}}

	mgr := New(dialer, store, fastBackoff())
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	sinces := dialer.recordedSinces()
	if len(sinces) != 2 {
		t.Fatalf("dial count = %d, want 2", len(sinces))
	}
	if sinces[0] != 0 {
		t.Errorf("first dial since = %d, want 0", sinces[0])
	}
	if sinces[1] != 2 {
		t.Errorf("reconnect since = %d, want 2", sinces[1])
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	store := reconcile.NewStore("job-1")
	dialer := &fakeDialer{} // every dial fails

	mgr := New(dialer, store, fastBackoff(), WithMaxAttempts(3))
	err := mgr.Run(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Run returned %v, want ErrExhausted", err)
	}

	job := store.Job()
	if job.Status != stream.StatusError {
		t.Errorf("status = %q, want error", job.Status)
	}
	if job.Error == "" {
		t.Error("connectivity failure must surface as job error text")
	}
	if got := len(dialer.recordedSinces()); got != 4 {
		t.Errorf("dial count = %d, want initial + 3 retries", got)
	}
}

func TestRunResetsAttemptsOnParsedEvent(t *testing.T) {
	store := reconcile.NewStore("job-1")
	// Five flaky connections each deliver one event before dying; with a
	// bound of two this only completes if the counter resets per event.
	script := make([]func() (Conn, error), 0, 6)
	for seq := uint64(1); seq <= 5; seq++ {
		script = append(script, conn(statusStep(seq, stream.StatusRunning)))
	}
	script = append(script, conn(doneStep(6)))
	dialer := &fakeDialer{script: script}

	mgr := New(dialer, store, fastBackoff(), WithMaxAttempts(2))
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestRunMarksReconnectingDuringBackoff(t *testing.T) {
	store := reconcile.NewStore("job-1")
	observed := make(chan stream.JobStatus, 16)
	dialer := &fakeDialer{script: []func() (Conn, error){
		conn(statusStep(1, stream.StatusRunning)),
		conn(doneStep(2)),
	}}

	mgr := New(dialer, store,
		WithBackoff([]time.Duration{50 * time.Millisecond}),
		WithNotify(func() { observed <- store.Job().Status }),
	)
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	close(observed)

	sawReconnecting := false
	for status := range observed {
		if status == stream.StatusReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Error("reconnecting status never surfaced during backoff")
	}
	if store.Job().Status != stream.StatusComplete {
		t.Errorf("final status = %q, want complete", store.Job().Status)
	}
}

func TestRunTerminalSurvivesTrailingFailure(t *testing.T) {
	store := reconcile.NewStore("job-1")
	dialer := &fakeDialer{script: []func() (Conn, error){
		conn(doneStep(1), step{err: errors.New("socket reset")}),
	}}

	mgr := New(dialer, store, fastBackoff())
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if store.Job().Status != stream.StatusComplete {
		t.Errorf("status = %q, want complete", store.Job().Status)
	}
}

func TestTeardownStopsRun(t *testing.T) {
	store := reconcile.NewStore("job-1")
	dialer := &fakeDialer{} // dials keep failing, Run keeps backing off

	mgr := New(dialer, store, WithBackoff([]time.Duration{time.Hour}), WithMaxAttempts(100))

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	mgr.Teardown()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Teardown did not stop Run")
	}
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, jobID, promptID string, choice stream.Choice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, promptID+":"+string(choice))
	return r.err
}

func TestResolveActiveRemovesPrompt(t *testing.T) {
	store := reconcile.NewStore("job-1")
	store.Apply(&stream.Duplicate{
		Header:   stream.Header{Type: stream.KindDuplicate, JobID: "job-1", Seq: 1},
		PromptID: "p1",
		Path:     "/library/file.bin",
		Filename: "file.bin",
	})

	resolver := &fakeResolver{}
	mgr := New(&fakeDialer{}, store, WithResolver(resolver))

	if err := mgr.ResolveActive(context.Background(), stream.ChoiceRename); err != nil {
		t.Fatalf("ResolveActive failed: %v", err)
	}
	if len(store.Prompts()) != 0 {
		t.Error("resolved prompt still queued")
	}
	if len(resolver.calls) != 1 || resolver.calls[0] != "p1:rename" {
		t.Errorf("resolver calls = %v", resolver.calls)
	}
}

func TestResolveActiveTreatsStalePromptAsResolved(t *testing.T) {
	store := reconcile.NewStore("job-1")
	store.Apply(&stream.Duplicate{
		Header:   stream.Header{Type: stream.KindDuplicate, JobID: "job-1", Seq: 1},
		PromptID: "p1",
	})

	resolver := &fakeResolver{err: fmt.Errorf("%w: gone", stream.ErrStalePrompt)}
	mgr := New(&fakeDialer{}, store, WithResolver(resolver))

	if err := mgr.ResolveActive(context.Background(), stream.ChoiceSkip); err != nil {
		t.Fatalf("stale prompt must count as resolved, got %v", err)
	}
	if len(store.Prompts()) != 0 {
		t.Error("stale prompt still queued")
	}
}

func TestResolveActiveKeepsPromptOnFailure(t *testing.T) {
	store := reconcile.NewStore("job-1")
	store.Apply(&stream.Duplicate{
		Header:   stream.Header{Type: stream.KindDuplicate, JobID: "job-1", Seq: 1},
		PromptID: "p1",
	})

	resolver := &fakeResolver{err: errors.New("daemon busy")}
	mgr := New(&fakeDialer{}, store, WithResolver(resolver))

	if err := mgr.ResolveActive(context.Background(), stream.ChoiceSkip); err == nil {
		t.Fatal("expected resolver failure to propagate")
	}
	if len(store.Prompts()) != 1 {
		t.Error("failed resolution must leave the prompt queued")
	}
}
