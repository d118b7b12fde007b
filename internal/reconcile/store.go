package reconcile

import (
	"fmt"
	"strings"
	"sync"

	"spool/internal/stream"
)

// LogCap bounds the per-job log ring; the oldest entry is discarded beyond it.
const LogCap = 80

// Job is the reconciled job-level view.
type Job struct {
	ID       string
	Status   stream.JobStatus
	Message  string
	Error    string
	ExitCode *int
	Stats    *stream.Stats
}

// Task is the reconciled view of one file within a job.
type Task struct {
	ID      string
	Label   string
	Total   int64
	Current int64
	Percent float64
	Done    bool
}

// LogEntry is one reconciled log line.
type LogEntry struct {
	Level   string
	Message string
}

// Prompt is an unresolved filename collision awaiting a user decision.
type Prompt struct {
	ID       string
	JobID    string
	Path     string
	Filename string
}

// Store is the authoritative client view of one job, mutated only by
// applying stream events (plus the connection manager's synthetic
// reconnecting/connectivity-error transitions).
type Store struct {
	mu      sync.Mutex
	jobID   string
	lastSeq uint64
	job     Job
	order   []string
	tasks   map[string]*Task
	logs    []LogEntry
	prompts []Prompt
}

// NewStore creates a store for a freshly submitted job in status queued.
func NewStore(jobID string) *Store {
	return &Store{
		jobID: jobID,
		job:   Job{ID: jobID, Status: stream.StatusQueued},
		tasks: make(map[string]*Task),
	}
}

// Apply folds one event into the store. It reports whether the event had any
// effect: events for other jobs, events at or below the current cursor, and
// any event arriving after the job turned terminal are discarded. Snapshots
// bypass the sequence cursor but never terminal immutability.
func (s *Store) Apply(ev stream.Event) bool {
	if ev == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Job() != "" && ev.Job() != s.jobID {
		return false
	}
	if s.job.Status.Terminal() {
		return false
	}

	if snap, ok := ev.(*stream.Snapshot); ok {
		s.replaceLocked(snap)
		return true
	}

	if ev.Sequence() <= s.lastSeq {
		return false
	}

	switch e := ev.(type) {
	case *stream.Status:
		s.job.Status = e.Status
		if e.Message != "" {
			s.job.Message = e.Message
		}
		if e.Error != "" {
			s.job.Error = e.Error
		}
		if e.ExitCode != nil {
			s.job.ExitCode = e.ExitCode
		}
		if e.Stats != nil {
			s.job.Stats = e.Stats
		}
	case *stream.Register:
		task := s.taskLocked(e.TaskID)
		if e.Label != "" {
			task.Label = e.Label
		}
		if e.Total > 0 {
			task.Total = e.Total
		}
	case *stream.Progress:
		s.progressLocked(e)
	case *stream.Finish:
		task := s.taskLocked(e.TaskID)
		task.Current = task.Total
		task.Percent = 100
		task.Done = true
	case *stream.Log:
		s.appendLogLocked(e.Level, e.Message)
	case *stream.Duplicate:
		s.enqueuePromptLocked(Prompt{ID: e.PromptID, JobID: s.jobID, Path: e.Path, Filename: e.Filename})
	case *stream.DuplicateResolved:
		s.removePromptLocked(e.PromptID)
	case *stream.Done:
		s.job.Status = e.Status
		if e.Message != "" {
			s.job.Message = e.Message
		}
		if e.Error != "" {
			s.job.Error = e.Error
		}
		s.job.ExitCode = e.ExitCode
		if e.Stats != nil {
			s.job.Stats = e.Stats
		}
		s.prompts = nil
	default:
		return false
	}

	s.lastSeq = ev.Sequence()
	return true
}

func (s *Store) replaceLocked(snap *stream.Snapshot) {
	s.job = Job{
		ID:       s.jobID,
		Status:   snap.State.Status,
		Message:  snap.State.Message,
		Error:    snap.State.Error,
		ExitCode: snap.State.ExitCode,
		Stats:    snap.State.Stats,
	}
	s.order = s.order[:0]
	s.tasks = make(map[string]*Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		task := &Task{ID: t.ID, Label: t.Label, Total: t.Total, Current: t.Current, Percent: t.Percent, Done: t.Done}
		s.tasks[t.ID] = task
		s.order = append(s.order, t.ID)
	}
	s.logs = s.logs[:0]
	for _, l := range snap.Logs {
		s.appendLogLocked(l.Level, l.Message)
	}
	s.prompts = s.prompts[:0]
	for _, p := range snap.Duplicates {
		s.enqueuePromptLocked(Prompt{ID: p.PromptID, JobID: s.jobID, Path: p.Path, Filename: p.Filename})
	}
	s.lastSeq = snap.LastSeq
}

func (s *Store) progressLocked(e *stream.Progress) {
	task := s.taskLocked(e.TaskID)
	if task.Done {
		return
	}
	if e.Total > 0 {
		task.Total = e.Total
	}
	current := e.Current
	if task.Total > 0 && current > task.Total {
		current = task.Total
	}
	if current >= 0 {
		task.Current = current
	}
	var percent float64
	switch {
	case e.Percent != nil:
		percent = *e.Percent
	case task.Total > 0:
		percent = float64(task.Current) * 100 / float64(task.Total)
	default:
		percent = task.Percent
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	task.Percent = percent
	if percent >= 100 {
		task.Done = true
	}
}

func (s *Store) taskLocked(id string) *Task {
	if task, ok := s.tasks[id]; ok {
		return task
	}
	task := &Task{ID: id}
	s.tasks[id] = task
	s.order = append(s.order, id)
	return task
}

func (s *Store) appendLogLocked(level, message string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		level = "debug"
	case "warn", "warning":
		level = "warn"
	case "error":
		level = "error"
	default:
		level = "info"
	}
	if len(s.logs) == LogCap {
		copy(s.logs, s.logs[1:])
		s.logs = s.logs[:LogCap-1]
	}
	s.logs = append(s.logs, LogEntry{Level: level, Message: message})
}

func (s *Store) enqueuePromptLocked(p Prompt) {
	for _, existing := range s.prompts {
		if existing.ID == p.ID {
			return
		}
	}
	s.prompts = append(s.prompts, p)
}

func (s *Store) removePromptLocked(promptID string) bool {
	for i, p := range s.prompts {
		if p.ID == promptID {
			s.prompts = append(s.prompts[:i], s.prompts[i+1:]...)
			return true
		}
	}
	return false
}

// MarkReconnecting records the synthetic reconnecting status while the
// connection manager backs off. No-op once the job is terminal.
func (s *Store) MarkReconnecting(attempt, bound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Status.Terminal() {
		return
	}
	s.job.Status = stream.StatusReconnecting
	s.job.Message = fmt.Sprintf("connection lost, reconnecting (attempt %d/%d)", attempt, bound)
}

// MarkStreaming reverts the synthetic reconnecting status to running once a
// live event has been parsed on a fresh connection.
func (s *Store) MarkStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Status == stream.StatusReconnecting {
		s.job.Status = stream.StatusRunning
		s.job.Message = ""
	}
}

// FailConnectivity forces the job into an error state after reconnect
// exhaustion. The message is connectivity-specific so it stays
// distinguishable from job-reported errors. Pending prompts are cleared.
func (s *Store) FailConnectivity(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Status.Terminal() {
		return
	}
	s.job.Status = stream.StatusError
	s.job.Error = message
	s.job.Message = message
	s.prompts = nil
}

// RemovePrompt optimistically dequeues a prompt after a successful
// resolution exchange. The stream's later duplicate-resolved event is safe
// to re-apply.
func (s *Store) RemovePrompt(promptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removePromptLocked(promptID)
}

// JobID returns the job this store reconciles.
func (s *Store) JobID() string { return s.jobID }

// LastSeq reports the highest applied sequence number.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Terminal reports whether the job reached complete or error.
func (s *Store) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Status.Terminal()
}

// Job returns a copy of the reconciled job-level fields.
func (s *Store) Job() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// Tasks returns the tasks in registration order.
func (s *Store) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Logs returns the bounded log ring, oldest first.
func (s *Store) Logs() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// Prompts returns the pending duplicate queue, FIFO.
func (s *Store) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Prompt, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// ActivePrompt returns the head of the duplicate queue, the only prompt
// presented to the user at a time.
func (s *Store) ActivePrompt() (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return Prompt{}, false
	}
	return s.prompts[0], true
}

// Snapshot exports the store as a wire snapshot anchored at the current
// cursor. The daemon uses this to serve subscribers whose resume point has
// aged out of the hub's buffer.
func (s *Store) Snapshot() *stream.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &stream.Snapshot{
		Header:  stream.Header{Type: stream.KindSnapshot, JobID: s.jobID},
		LastSeq: s.lastSeq,
		State: stream.JobState{
			Status:   s.job.Status,
			Message:  s.job.Message,
			Error:    s.job.Error,
			ExitCode: s.job.ExitCode,
			Stats:    s.job.Stats,
		},
	}
	for _, id := range s.order {
		t := s.tasks[id]
		snap.Tasks = append(snap.Tasks, stream.TaskState{
			ID: t.ID, Label: t.Label, Total: t.Total, Current: t.Current, Percent: t.Percent, Done: t.Done,
		})
	}
	for _, l := range s.logs {
		snap.Logs = append(snap.Logs, stream.LogState{Level: l.Level, Message: l.Message})
	}
	for _, p := range s.prompts {
		snap.Duplicates = append(snap.Duplicates, stream.PromptState{PromptID: p.ID, Path: p.Path, Filename: p.Filename})
	}
	return snap
}
