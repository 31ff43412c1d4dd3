package models

import "time"

// JobType identifies the kind of background work a job performs.
type JobType string

const (
	JobTranscription JobType = "transcription"
	JobGraphExport   JobType = "graph_export"
)

// JobState is the lifecycle state of a job. Transitions form a DAG:
// pending → running → {succeeded, failed, cancelled}. Only the worker
// that claimed a job may move it out of running.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is one unit of background work. Jobs are persisted so they survive
// a process restart; a job found in running at startup is reset to
// pending and re-enqueued (at-least-once execution).
type Job struct {
	ID    string   `json:"id"`
	Type  JobType  `json:"type"`
	State JobState `json:"state"`

	// Metadata is opaque per-type input for the handler.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Progress is 0..1. Handlers update it at whatever granularity
	// their work allows.
	Progress float64 `json:"progress"`

	// Error holds the handler failure text, verbatim.
	Error string `json:"error,omitempty"`

	// Result is opaque per-type output set on success.
	Result map[string]any `json:"result,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobFilter selects jobs for listing. Zero values match everything.
type JobFilter struct {
	Type  JobType
	State JobState
}

// Matches reports whether the job passes the filter.
func (f JobFilter) Matches(j *Job) bool {
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.State != "" && j.State != f.State {
		return false
	}
	return true
}
