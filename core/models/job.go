package models

import (
	"regexp"
	"time"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidJobID reports whether id is usable as a single path segment and object key component.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// TrainingJob is a fine-tuning job as reported by the remote training service,
// augmented with the outcome of local weights processing.
type TrainingJob struct {
	ID          string            `json:"id"`
	Model       string            `json:"model,omitempty"`
	Version     string            `json:"version,omitempty"`
	Status      JobStatus         `json:"status"`
	Input       map[string]any    `json:"input,omitempty"`
	Output      *TrainingOutput   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
	CreatedAt   *time.Time        `json:"created_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`

	// Set by this service only; the remote service never reports them.
	ProcessedWeights bool   `json:"processedWeights"`
	ModelURL         string `json:"modelUrl,omitempty"`
	ExtractError     string `json:"extractError,omitempty"`
}

// TrainingOutput is the output descriptor of a finished training.
type TrainingOutput struct {
	Weights string `json:"weights,omitempty"` // URL of the weights archive
	Version string `json:"version,omitempty"`
}

// WeightsURL returns the archive URL, or "" when the job has no output yet.
func (j *TrainingJob) WeightsURL() string {
	if j.Output == nil {
		return ""
	}
	return j.Output.Weights
}

// JobStatus represents the current status of a training job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether the remote service will not change the status again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}
