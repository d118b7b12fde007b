package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrHubClosed is returned by Fetch once the hub is closed and drained.
var ErrHubClosed = errors.New("event hub closed")

// SnapshotFunc builds a snapshot of the publisher's authoritative job state.
// The hub calls it when a subscriber's resume cursor falls outside the
// buffered window.
type SnapshotFunc func() *Snapshot

// Hub buffers the most recent events of one job and wakes blocked
// subscribers when new events arrive. Events are stamped with the job id and
// a monotonically increasing sequence number on publish.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	jobID    string
	capacity int
	buffer   []Event
	nextSeq  uint64
	closed   bool
	snapshot SnapshotFunc
}

// NewHub constructs a bounded per-job event buffer.
func NewHub(jobID string, capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	h := &Hub{jobID: jobID, capacity: capacity}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// SetSnapshotFunc wires the authoritative snapshot builder.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// JobID returns the job this hub belongs to.
func (h *Hub) JobID() string { return h.jobID }

type stamper interface {
	stamp(jobID string, seq uint64)
}

// Publish stamps the event with the hub's job id and next sequence number,
// appends it to the ring, and wakes waiters. It returns the stamped event.
// Publishing to a closed hub is a no-op.
func (h *Hub) Publish(ev Event) Event {
	if h == nil || ev == nil {
		return ev
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ev
	}
	h.nextSeq++
	if s, ok := ev.(stamper); ok {
		s.stamp(h.jobID, h.nextSeq)
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, ev)
	h.cond.Broadcast()
	return ev
}

// Close marks the stream finished. Buffered events stay readable so late
// subscribers can still catch up to the terminal event.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Closed reports whether the publisher has finished the stream.
func (h *Hub) Closed() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// LastSeq reports the highest sequence number published so far.
func (h *Hub) LastSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// FirstSequence reports the smallest sequence number still buffered, or the
// current cursor when the buffer is empty.
func (h *Hub) FirstSequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return h.nextSeq
	}
	return h.buffer[0].Sequence()
}

// Resume decides how a subscriber at the given cursor catches up. When the
// cursor still falls inside the buffered window (or the job never overflowed
// it), Resume returns the buffered events after the cursor. Otherwise it
// returns a fresh snapshot for wholesale replacement.
func (h *Hub) Resume(since uint64) (*Snapshot, []Event) {
	h.mu.Lock()
	snapshotFn := h.snapshot
	var first uint64
	if len(h.buffer) > 0 {
		first = h.buffer[0].Sequence()
	}
	h.mu.Unlock()

	// A cursor older than the buffered window cannot be replayed; fall back
	// to a snapshot when the publisher provides one.
	if snapshotFn != nil && (since+1 < first || (since == 0 && first > 1)) {
		if snap := snapshotFn(); snap != nil {
			snap.Type = KindSnapshot
			snap.JobID = h.jobID
			return snap, nil
		}
	}
	events, _ := h.collect(since, 0)
	return nil, events
}

// Fetch returns buffered events with sequence greater than since. When wait
// is true and nothing is pending, Fetch blocks until an event arrives, the
// context ends, or the hub closes with the cursor fully drained.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		events, next := h.collectLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, contextError(ctx)
		}
		if h.closed {
			return nil, next, ErrHubClosed
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

func (h *Hub) collect(since uint64, limit int) ([]Event, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collectLocked(since, limit)
}

func (h *Hub) collectLocked(since uint64, limit int) ([]Event, uint64) {
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}
	if len(h.buffer) == 0 {
		return nil, h.nextSeq
	}
	startIdx := -1
	for i, ev := range h.buffer {
		if ev.Sequence() > since {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, h.nextSeq
	}
	end := startIdx + limit
	if end > len(h.buffer) {
		end = len(h.buffer)
	}
	out := make([]Event, end-startIdx)
	copy(out, h.buffer[startIdx:end])
	return out, h.nextSeq
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
