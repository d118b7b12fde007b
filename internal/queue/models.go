package queue

import (
	"time"

	"spool/internal/stream"
)

// Job is a persisted job record.
type Job struct {
	ID        string
	URLs      []string
	TargetDir string
	Status    stream.JobStatus
	Message   string
	Error     string
	ExitCode  *int
	Stats     *stream.Stats
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Outcome captures the terminal result written back after a job finishes.
type Outcome struct {
	Status   stream.JobStatus
	Message  string
	Error    string
	ExitCode *int
	Stats    *stream.Stats
}
