package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"spool/internal/api"
	"spool/internal/config"
	"spool/internal/logging"
	"spool/internal/queue"
	"spool/internal/runner"
	"spool/internal/stream"
)

// ErrJobUnknown is returned when no live or persisted job matches an id.
var ErrJobUnknown = errors.New("unknown job")

// Daemon coordinates job execution and enforces single-instance operation.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	ledger *queue.Store

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*runner.Runner

	server       *apiServer
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, ledger *queue.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || ledger == nil || logger == nil {
		return nil, errors.New("daemon requires config, job store, and logger")
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, "spoold.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		ledger:     ledger,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
		jobs:       make(map[string]*runner.Runner),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start acquires the daemon lock and begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another spool daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	server, err := newAPIServer(d.cfg, d, d.logger)
	if err != nil {
		_ = d.lock.Unlock()
		return err
	}
	d.server = server
	if err := d.server.start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("spool daemon started",
		logging.String("lock", d.lockPath),
		logging.String("bind", d.cfg.Paths.APIBind))
	return nil
}

// Stop stops the API, cancels running jobs, and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.server.stop()
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("spool daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.ledger.Close()
}

// Running reports whether the daemon is serving.
func (d *Daemon) Running() bool { return d.running.Load() }

// Addr returns the API listen address once Start has bound it.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return d.cfg.Paths.APIBind
	}
	return d.server.addr()
}

// ShutdownRequested is closed when a client asks the daemon to stop.
func (d *Daemon) ShutdownRequested() <-chan struct{} { return d.shutdownCh }

func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Submit validates and persists a job, starts its runner, and returns the
// assigned job id.
func (d *Daemon) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	urls := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return "", fmt.Errorf("invalid source url %q", raw)
		}
		urls = append(urls, raw)
	}
	if len(urls) == 0 {
		return "", errors.New("no source urls supplied")
	}

	libraryDir := d.cfg.Paths.LibraryDir
	if dir := strings.TrimSpace(req.Options.Dir); dir != "" {
		expanded, err := config.ExpandPath(dir)
		if err != nil {
			return "", fmt.Errorf("options.dir: %w", err)
		}
		libraryDir = expanded
	}

	jobID := uuid.NewString()
	job := &queue.Job{ID: jobID, URLs: urls, TargetDir: libraryDir, Status: stream.StatusQueued}
	if err := d.ledger.Insert(ctx, job); err != nil {
		return "", err
	}

	hub := stream.NewHub(jobID, d.cfg.Stream.BufferEvents)
	run := runner.New(jobID, urls, hub, d.ledger, runner.Options{
		StagingDir: d.cfg.Paths.StagingDir,
		LibraryDir: libraryDir,
		ChunkSize:  int64(d.cfg.Downloads.ChunkKiB) * 1024,
		HTTPClient: &http.Client{Timeout: time.Duration(d.cfg.Downloads.RequestTimeout) * time.Second},
		Logger:     d.logger,
	})

	d.mu.Lock()
	d.jobs[jobID] = run
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		run.Run(d.ctx)
	}()

	d.logger.Info("job submitted",
		logging.String("job_id", jobID),
		logging.Int("urls", len(urls)))
	return jobID, nil
}

// JobHub returns the event hub of a live or finished job.
func (d *Daemon) JobHub(jobID string) (*stream.Hub, error) {
	d.mu.Lock()
	run, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return nil, ErrJobUnknown
	}
	return run.Hub(), nil
}

// ResolvePrompt routes a duplicate-resolution choice to the job's runner.
func (d *Daemon) ResolvePrompt(jobID, promptID string, choice stream.Choice) error {
	d.mu.Lock()
	run, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return ErrJobUnknown
	}
	return run.Resolve(promptID, choice)
}

// Status summarizes daemon runtime information.
func (d *Daemon) Status() api.DaemonStatus {
	d.mu.Lock()
	active := 0
	for _, run := range d.jobs {
		if !run.Hub().Closed() {
			active++
		}
	}
	d.mu.Unlock()
	return api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		ActiveJobs:   active,
		JobDBPath:    d.ledger.Path(),
		LockFilePath: d.lockPath,
	}
}

// ListJobs returns persisted jobs, optionally filtered by status.
func (d *Daemon) ListJobs(ctx context.Context, statuses []stream.JobStatus) ([]*queue.Job, error) {
	return d.ledger.List(ctx, statuses...)
}

// GetJob returns one persisted job.
func (d *Daemon) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	return d.ledger.Get(ctx, jobID)
}
