package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"spool/internal/fileutil"
	"spool/internal/logging"
	"spool/internal/stream"
)

// place moves a staged file into the library. A name collision raises a
// duplicate prompt and parks the task until a choice arrives, unless a
// sticky *_all policy from an earlier prompt already decides it. The bool
// result reports whether the file ended up in the library (false for skip).
func (r *Runner) place(ctx context.Context, taskID, stagingPath, filename string) (bool, error) {
	destDir := r.opts.LibraryDir
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return false, fmt.Errorf("create library dir: %w", err)
	}
	destPath := filepath.Join(destDir, filename)

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		if err := fileutil.MoveFile(stagingPath, destPath); err != nil {
			return false, fmt.Errorf("move into library: %w", err)
		}
		return true, nil
	}

	choice := r.stickyPolicy()
	if choice == "" {
		resolved, err := r.prompt(ctx, destPath, filename)
		if err != nil {
			return false, err
		}
		choice = resolved
	}

	switch choice.Base() {
	case stream.ChoiceOverwrite:
		if err := fileutil.MoveFile(stagingPath, destPath); err != nil {
			return false, fmt.Errorf("overwrite %s: %w", destPath, err)
		}
		return true, nil
	case stream.ChoiceSkip:
		_ = os.Remove(stagingPath)
		return false, nil
	case stream.ChoiceRename:
		renamed := freePath(destDir, filename)
		if err := fileutil.MoveFile(stagingPath, renamed); err != nil {
			return false, fmt.Errorf("move into library as %s: %w", renamed, err)
		}
		return true, nil
	case stream.ChoiceCancel:
		r.cancel()
		_ = os.Remove(stagingPath)
		return false, errJobCancelled
	default:
		return false, fmt.Errorf("unsupported duplicate choice %q", string(choice))
	}
}

// prompt publishes a duplicate event and blocks until the side channel
// delivers a choice or the job context ends.
func (r *Runner) prompt(ctx context.Context, destPath, filename string) (stream.Choice, error) {
	promptID := uuid.NewString()
	ch := make(chan stream.Choice, 1)

	r.mu.Lock()
	r.prompts[promptID] = ch
	r.mu.Unlock()

	r.emit(&stream.Duplicate{
		Header:   stream.Header{Type: stream.KindDuplicate},
		PromptID: promptID,
		Path:     destPath,
		Filename: filename,
	})
	r.emitLog("warn", fmt.Sprintf("%s already exists, waiting for resolution", filename))
	r.logger.Info("duplicate prompt raised",
		logging.String("prompt_id", promptID),
		logging.String("filename", filename))

	defer func() {
		r.mu.Lock()
		delete(r.prompts, promptID)
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case choice := <-ch:
		r.emit(&stream.DuplicateResolved{
			Header:   stream.Header{Type: stream.KindDuplicateResolved},
			PromptID: promptID,
		})
		if choice.All() {
			r.setStickyPolicy(choice)
		}
		return choice, nil
	}
}

// Resolve delivers a duplicate-resolution choice to the parked task.
// Prompts that were already resolved, or never existed, return
// ErrUnknownPrompt.
func (r *Runner) Resolve(promptID string, choice stream.Choice) error {
	r.mu.Lock()
	ch, ok := r.prompts[promptID]
	if ok {
		delete(r.prompts, promptID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrompt, promptID)
	}
	ch <- choice
	return nil
}

func (r *Runner) stickyPolicy() stream.Choice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

func (r *Runner) setStickyPolicy(choice stream.Choice) {
	r.mu.Lock()
	r.policy = choice
	r.mu.Unlock()
}

func (r *Runner) cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Runner) dropPrompts() {
	r.mu.Lock()
	r.prompts = make(map[string]chan stream.Choice)
	r.mu.Unlock()
}

// emit publishes an event and folds the stamped result into the runner's
// mirror store, keeping the snapshot source consistent with the stream.
func (r *Runner) emit(ev stream.Event) {
	stamped := r.hub.Publish(ev)
	r.mirror.Apply(stamped)
}

func (r *Runner) emitLog(level, message string) {
	r.emit(&stream.Log{
		Header:  stream.Header{Type: stream.KindLog},
		Level:   level,
		Message: message,
	})
}

func (r *Runner) setLedgerStatus(ctx context.Context, status stream.JobStatus, message string) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.SetStatus(ctx, r.jobID, status, message); err != nil {
		r.logger.Warn("persist job status", logging.Error(err))
	}
}

// freePath appends " (n)" before the extension until the name is unused.
func freePath(dir, filename string) string {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
