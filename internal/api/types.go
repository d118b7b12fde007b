package api

import "spool/internal/stream"

// SubmitOptions carries per-job download options.
type SubmitOptions struct {
	// Dir overrides the configured library directory for this job.
	Dir string `json:"dir,omitempty"`
}

// SubmitRequest submits a batch of source URLs as one job.
type SubmitRequest struct {
	URLs    []string      `json:"urls"`
	Options SubmitOptions `json:"options"`
}

// SubmitResponse acknowledges a submitted job.
type SubmitResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// ResolveRequest carries a duplicate-resolution choice.
type ResolveRequest struct {
	Choice string `json:"choice"`
}

// ResolveResponse acknowledges a duplicate resolution.
type ResolveResponse struct {
	Resolved bool `json:"resolved"`
}

// ErrorResponse is the uniform error payload for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JobRecord describes a persisted job in a transport-friendly format.
type JobRecord struct {
	JobID     string        `json:"jobId"`
	URLs      []string      `json:"urls"`
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	Stats     *stream.Stats `json:"stats,omitempty"`
	CreatedAt string        `json:"createdAt,omitempty"`
	UpdatedAt string        `json:"updatedAt,omitempty"`
}

// JobListResponse wraps a collection of job records.
type JobListResponse struct {
	Jobs []JobRecord `json:"jobs"`
}

// JobResponse wraps a single job record.
type JobResponse struct {
	Job JobRecord `json:"job"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool   `json:"running"`
	PID          int    `json:"pid"`
	ActiveJobs   int    `json:"activeJobs"`
	JobDBPath    string `json:"jobDbPath"`
	LockFilePath string `json:"lockFilePath"`
}
