package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies an event type on the wire.
type Kind string

const (
	KindSnapshot          Kind = "snapshot"
	KindStatus            Kind = "status"
	KindRegister          Kind = "register"
	KindProgress          Kind = "progress"
	KindFinish            Kind = "finish"
	KindLog               Kind = "log"
	KindDuplicate         Kind = "duplicate"
	KindDuplicateResolved Kind = "duplicate-resolved"
	KindDone              Kind = "done"
)

// JobStatus is the lifecycle state of a job as seen by consumers.
// StatusReconnecting is synthesized client-side and never sent by the daemon.
type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusRunning      JobStatus = "running"
	StatusReconnecting JobStatus = "reconnecting"
	StatusComplete     JobStatus = "complete"
	StatusError        JobStatus = "error"
)

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// ErrMalformedEvent marks payloads that failed to decode. Consumers drop the
// event and keep reading; the stream itself is not torn down.
var ErrMalformedEvent = errors.New("malformed stream event")

// Stats summarizes per-job task outcomes.
type Stats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Event is one decoded message from a job's event stream. All implementations
// are pointer types embedding Header.
type Event interface {
	Kind() Kind
	Job() string
	Sequence() uint64
}

// Header carries the fields shared by every event. Snapshot events have
// Seq zero; they re-anchor the consumer cursor from their own LastSeq.
type Header struct {
	Type  Kind   `json:"type"`
	JobID string `json:"jobId"`
	Seq   uint64 `json:"seq,omitempty"`
}

func (h *Header) Kind() Kind       { return h.Type }
func (h *Header) Job() string      { return h.JobID }
func (h *Header) Sequence() uint64 { return h.Seq }

// stamp is used by the hub to assign ownership and sequence on publish.
func (h *Header) stamp(jobID string, seq uint64) {
	h.JobID = jobID
	h.Seq = seq
}

// Status updates job-level fields. A terminal status stops the stream.
type Status struct {
	Header
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Stats    *Stats    `json:"stats,omitempty"`
}

// Register creates or initializes a task within the job.
type Register struct {
	Header
	TaskID string `json:"id"`
	Label  string `json:"label"`
	Total  int64  `json:"total,omitempty"`
}

// Progress advances a task. Percent, when nil, is computed from
// Current/Total by the consumer; Current is clamped to a nonzero Total.
type Progress struct {
	Header
	TaskID  string   `json:"id"`
	Current int64    `json:"current"`
	Total   int64    `json:"total"`
	Percent *float64 `json:"percent,omitempty"`
}

// Finish marks a task done with current=total and percent=100.
type Finish struct {
	Header
	TaskID string `json:"id"`
}

// Log appends one entry to the job's bounded log ring.
type Log struct {
	Header
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Duplicate enqueues a filename-collision prompt. Enqueueing is idempotent
// on PromptID.
type Duplicate struct {
	Header
	PromptID string `json:"promptId"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// DuplicateResolved dequeues the named prompt regardless of queue position.
type DuplicateResolved struct {
	Header
	PromptID string `json:"promptId"`
}

// Done finalizes the job, clears any pending prompts, and closes the stream.
type Done struct {
	Header
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Stats    *Stats    `json:"stats,omitempty"`
}

// TaskState is the snapshot form of a task.
type TaskState struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Total   int64   `json:"total"`
	Current int64   `json:"current"`
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
}

// LogState is the snapshot form of a log entry.
type LogState struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// PromptState is the snapshot form of a pending duplicate prompt.
type PromptState struct {
	PromptID string `json:"promptId"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// JobState is the snapshot form of job-level fields.
type JobState struct {
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Stats    *Stats    `json:"stats,omitempty"`
}

// Snapshot wholesale-replaces the consumer's view of a job. LastSeq
// re-anchors the resume cursor before further incremental events apply.
type Snapshot struct {
	Header
	LastSeq    uint64        `json:"lastSeq"`
	State      JobState      `json:"job"`
	Tasks      []TaskState   `json:"tasks,omitempty"`
	Logs       []LogState    `json:"logs,omitempty"`
	Duplicates []PromptState `json:"duplicates,omitempty"`
}

// Encode serializes an event to its wire form.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode nil event")
	}
	return json.Marshal(ev)
}

// Decode parses one wire message into its concrete event type. Unknown or
// unparseable payloads return an error wrapping ErrMalformedEvent.
func Decode(data []byte) (Event, error) {
	var head Header
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var ev Event
	switch head.Type {
	case KindSnapshot:
		ev = &Snapshot{}
	case KindStatus:
		ev = &Status{}
	case KindRegister:
		ev = &Register{}
	case KindProgress:
		ev = &Progress{}
	case KindFinish:
		ev = &Finish{}
	case KindLog:
		ev = &Log{}
	case KindDuplicate:
		ev = &Duplicate{}
	case KindDuplicateResolved:
		ev = &DuplicateResolved{}
	case KindDone:
		ev = &Done{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, string(head.Type))
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, head.Type, err)
	}
	if err := validate(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func validate(ev Event) error {
	switch e := ev.(type) {
	case *Register:
		if strings.TrimSpace(e.TaskID) == "" {
			return errors.New("register missing task id")
		}
	case *Progress:
		if strings.TrimSpace(e.TaskID) == "" {
			return errors.New("progress missing task id")
		}
	case *Finish:
		if strings.TrimSpace(e.TaskID) == "" {
			return errors.New("finish missing task id")
		}
	case *Status:
		if e.Status == "" {
			return errors.New("status missing status value")
		}
	case *Duplicate:
		if strings.TrimSpace(e.PromptID) == "" {
			return errors.New("duplicate missing prompt id")
		}
	case *DuplicateResolved:
		if strings.TrimSpace(e.PromptID) == "" {
			return errors.New("duplicate-resolved missing prompt id")
		}
	case *Done:
		if e.Status != StatusComplete && e.Status != StatusError {
			return fmt.Errorf("done carries non-terminal status %q", string(e.Status))
		}
	}
	return nil
}
