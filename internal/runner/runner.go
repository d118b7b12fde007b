package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"spool/internal/logging"
	"spool/internal/queue"
	"spool/internal/reconcile"
	"spool/internal/stream"
	"spool/internal/textutil"
)

// ErrUnknownPrompt reports a resolution for a prompt this runner is not
// waiting on — it was already resolved or never existed.
var ErrUnknownPrompt = errors.New("unknown duplicate prompt")

var errJobCancelled = errors.New("job cancelled")

// Options carries the runner's external knobs.
type Options struct {
	StagingDir string
	LibraryDir string
	ChunkSize  int64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Runner downloads the URLs of one job and publishes its event stream. The
// mirror store folds the runner's own events with the same reducer clients
// use, so snapshots served to late subscribers always match what an
// uninterrupted stream would have produced.
type Runner struct {
	jobID  string
	urls   []string
	hub    *stream.Hub
	mirror *reconcile.Store
	ledger *queue.Store
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	prompts   map[string]chan stream.Choice
	policy    stream.Choice
	cancelled bool
}

// New constructs a runner for a submitted job. ledger may be nil.
func New(jobID string, urls []string, hub *stream.Hub, ledger *queue.Store, opts Options) *Runner {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		jobID:   jobID,
		urls:    urls,
		hub:     hub,
		mirror:  reconcile.NewStore(jobID),
		ledger:  ledger,
		opts:    opts,
		logger:  logger.With(logging.String("component", "runner"), logging.String("job_id", jobID)),
		prompts: make(map[string]chan stream.Choice),
	}
	hub.SetSnapshotFunc(r.mirror.Snapshot)
	return r
}

// Hub returns the job's event hub.
func (r *Runner) Hub() *stream.Hub { return r.hub }

// Run executes the job to completion and closes the hub. It blocks until
// every task finished, failed, or the job was cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.setLedgerStatus(ctx, stream.StatusRunning, "")

	r.emit(&stream.Status{
		Header:  stream.Header{Type: stream.KindStatus},
		Status:  stream.StatusRunning,
		Message: fmt.Sprintf("downloading %d file(s)", len(r.urls)),
	})

	stats := stream.Stats{Total: len(r.urls)}
	for i, rawURL := range r.urls {
		if ctx.Err() != nil || r.isCancelled() {
			break
		}
		taskID := fmt.Sprintf("t%d", i+1)
		label := taskLabel(rawURL, i)
		if err := r.downloadOne(ctx, taskID, label, rawURL); err != nil {
			if errors.Is(err, errJobCancelled) {
				break
			}
			stats.Failed++
			r.emitLog("error", fmt.Sprintf("%s: %v", label, err))
			continue
		}
		stats.Succeeded++
	}

	r.finish(ctx, stats)
}

func (r *Runner) finish(ctx context.Context, stats stream.Stats) {
	done := &stream.Done{
		Header: stream.Header{Type: stream.KindDone},
		Stats:  &stats,
	}
	exitCode := 0
	switch {
	case r.isCancelled() || ctx.Err() != nil:
		done.Status = stream.StatusError
		done.Error = "job cancelled"
		done.Message = "job cancelled"
		exitCode = 1
	case stats.Failed > 0:
		done.Status = stream.StatusError
		done.Error = fmt.Sprintf("%d of %d download(s) failed", stats.Failed, stats.Total)
		done.Message = done.Error
		exitCode = 1
	default:
		done.Status = stream.StatusComplete
		done.Message = fmt.Sprintf("downloaded %d file(s)", stats.Succeeded)
	}
	done.ExitCode = &exitCode

	r.emit(done)
	r.hub.Close()
	r.dropPrompts()

	if r.ledger != nil {
		err := r.ledger.Finalize(context.WithoutCancel(ctx), r.jobID, queue.Outcome{
			Status:   done.Status,
			Message:  done.Message,
			Error:    done.Error,
			ExitCode: done.ExitCode,
			Stats:    done.Stats,
		})
		if err != nil {
			r.logger.Warn("persist job outcome", logging.Error(err))
		}
	}
	r.logger.Info("job finished",
		logging.String("status", string(done.Status)),
		logging.Int("succeeded", stats.Succeeded),
		logging.Int("failed", stats.Failed))
}

// downloadOne fetches a single URL into staging and places it in the
// library, parking on a duplicate prompt when the destination name is taken.
func (r *Runner) downloadOne(ctx context.Context, taskID, label, rawURL string) error {
	r.emit(&stream.Register{
		Header: stream.Header{Type: stream.KindRegister},
		TaskID: taskID,
		Label:  label,
	})
	r.emitLog("info", fmt.Sprintf("fetching %s", rawURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch: source returned status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	stagingDir := filepath.Join(r.opts.StagingDir, r.jobID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	stagingPath := filepath.Join(stagingDir, label)

	if err := r.copyBody(ctx, taskID, stagingPath, resp.Body, total); err != nil {
		_ = os.Remove(stagingPath)
		return err
	}

	placed, err := r.place(ctx, taskID, stagingPath, label)
	if err != nil {
		_ = os.Remove(stagingPath)
		return err
	}
	if !placed {
		r.emitLog("info", fmt.Sprintf("skipped %s", label))
	}

	r.emit(&stream.Finish{
		Header: stream.Header{Type: stream.KindFinish},
		TaskID: taskID,
	})
	return nil
}

// copyBody streams the response into the staging file, publishing progress
// each time the integer percent advances (or per megabyte when the size is
// unknown).
func (r *Runner) copyBody(ctx context.Context, taskID, dest string, body io.Reader, total int64) error {
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, r.opts.ChunkSize)
	var current int64
	lastPercent := -1
	var lastUnknownMark int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("write staging file: %w", err)
			}
			current += int64(n)

			emit := false
			if total > 0 {
				percent := int(current * 100 / total)
				if percent > lastPercent {
					lastPercent = percent
					emit = true
				}
			} else if current-lastUnknownMark >= 1<<20 {
				lastUnknownMark = current
				emit = true
			}
			if emit {
				r.emit(&stream.Progress{
					Header:  stream.Header{Type: stream.KindProgress},
					TaskID:  taskID,
					Current: current,
					Total:   total,
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read body: %w", readErr)
		}
	}

	r.emit(&stream.Progress{
		Header:  stream.Header{Type: stream.KindProgress},
		TaskID:  taskID,
		Current: current,
		Total:   current,
	})
	return nil
}

func taskLabel(rawURL string, index int) string {
	fallback := fmt.Sprintf("download-%d", index+1)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	base := path.Base(parsed.Path)
	if base == "" || base == "." || base == "/" {
		return fallback
	}
	base = textutil.SanitizeFileName(base)
	if base == "" {
		return fallback
	}
	return base
}
