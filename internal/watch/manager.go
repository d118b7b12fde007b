package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spool/internal/logging"
	"spool/internal/reconcile"
	"spool/internal/stream"
)

// ErrExhausted is returned when the reconnect attempt bound is exceeded
// without an intervening successful event.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// DefaultMaxAttempts bounds consecutive transport failures before the job
// is forced into a connectivity error.
const DefaultMaxAttempts = 5

// DefaultBackoff is the reconnect delay table; the last value repeats.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
}

// Conn is one live stream subscription. Next blocks for the next decoded
// event; decode failures are reported wrapping stream.ErrMalformedEvent and
// leave the connection usable, any other error is a transport failure.
type Conn interface {
	Next() (stream.Event, error)
	Close() error
}

// Dialer opens a stream subscription for a job, resuming after the given
// cursor. A zero cursor requests the stream from the beginning.
type Dialer interface {
	Subscribe(ctx context.Context, jobID string, since uint64) (Conn, error)
}

// Resolver submits a duplicate-resolution choice to the daemon. A prompt the
// daemon no longer knows is reported as stream.ErrStalePrompt.
type Resolver interface {
	Resolve(ctx context.Context, jobID, promptID string, choice stream.Choice) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNotify registers a callback invoked after every store mutation.
func WithNotify(fn func()) Option {
	return func(m *Manager) { m.notify = fn }
}

// WithResolver wires the duplicate-resolution side channel.
func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithBackoff overrides the reconnect delay table.
func WithBackoff(table []time.Duration) Option {
	return func(m *Manager) {
		if len(table) > 0 {
			m.backoff = table
		}
	}
}

// WithMaxAttempts overrides the reconnect attempt bound.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// Manager drives one job subscription to completion. All mutable connection
// state (attempt counter, resume cursor, pending backoff timer) lives on the
// Run goroutine; Teardown is the only external path that stops it.
type Manager struct {
	dialer      Dialer
	store       *reconcile.Store
	resolver    Resolver
	logger      *slog.Logger
	notify      func()
	backoff     []time.Duration
	maxAttempts int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a manager for the store's job.
func New(dialer Dialer, store *reconcile.Store, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		store:       store,
		logger:      logging.NewNop(),
		backoff:     DefaultBackoff,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run subscribes and consumes the stream until the job turns terminal, the
// attempt bound is exhausted, or the context ends. It must be called at most
// once per Manager.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	jobID := m.store.JobID()
	attempt := 0
	var since uint64

	for {
		err := m.consume(runCtx, jobID, since, &attempt)
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		if m.store.Terminal() {
			// A dead connection after the terminal event is not a failure;
			// finished jobs are never resurrected.
			return nil
		}
		if err != nil {
			m.logger.Debug("stream connection lost",
				logging.String("job_id", jobID),
				logging.Error(err))
		}

		attempt++
		if attempt > m.maxAttempts {
			m.store.FailConnectivity(fmt.Sprintf("lost connection to the daemon after %d attempts", m.maxAttempts))
			m.emit()
			return ErrExhausted
		}
		m.store.MarkReconnecting(attempt, m.maxAttempts)
		m.emit()

		idx := attempt - 1
		if idx >= len(m.backoff) {
			idx = len(m.backoff) - 1
		}
		timer := time.NewTimer(m.backoff[idx])
		select {
		case <-runCtx.Done():
			timer.Stop()
			return runCtx.Err()
		case <-timer.C:
		}
		since = m.store.LastSeq()
	}
}

// consume opens one connection and applies events until it dies. The attempt
// counter resets on the first successfully parsed event.
func (m *Manager) consume(ctx context.Context, jobID string, since uint64, attempt *int) error {
	conn, err := m.dialer.Subscribe(ctx, jobID, since)
	if err != nil {
		return err
	}
	defer conn.Close()

	first := true
	for {
		ev, err := conn.Next()
		if err != nil {
			if errors.Is(err, stream.ErrMalformedEvent) {
				m.logger.Debug("dropping malformed event", logging.Error(err))
				continue
			}
			return err
		}
		if first {
			*attempt = 0
			m.store.MarkStreaming()
			first = false
		}
		if ev.Job() != "" && ev.Job() != jobID {
			// Stale connection delivering another job's data.
			continue
		}
		if m.store.Apply(ev) {
			m.emit()
		}
		if m.store.Terminal() {
			return nil
		}
	}
}

// ResolveActive submits a choice for the head of the duplicate queue. A
// stale prompt counts as resolved; any other failure leaves the prompt
// queued and active for retry.
func (m *Manager) ResolveActive(ctx context.Context, choice stream.Choice) error {
	if m.resolver == nil {
		return errors.New("no duplicate resolver configured")
	}
	prompt, ok := m.store.ActivePrompt()
	if !ok {
		return errors.New("no duplicate prompt is active")
	}
	err := m.resolver.Resolve(ctx, prompt.JobID, prompt.ID, choice)
	if err != nil && !errors.Is(err, stream.ErrStalePrompt) {
		return err
	}
	m.store.RemovePrompt(prompt.ID)
	m.emit()
	return nil
}

// Teardown cancels any pending backoff timer, closes the transport, and
// blocks until the Run goroutine has stopped mutating the store. It is safe
// to call before Run and more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *Manager) emit() {
	if m.notify != nil {
		m.notify()
	}
}
