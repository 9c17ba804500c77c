package models

import "time"

// JobEvent records a weights processing transition for a job
type JobEvent struct {
	ID       int64
	JobID    string
	At       time.Time
	Reason   string
	MetaJSON map[string]interface{} // Additional metadata
}

// Weights processing event reasons
const (
	EventWeightsProcessingStarted = "weights_processing_started"
	EventWeightsProcessingFailed  = "weights_processing_failed"
	EventWeightsProcessed         = "weights_processed"
	EventWeightsReset             = "weights_reset"
)

// ArtifactType represents the type of job artifact
type ArtifactType string

const (
	ArtifactTypeWeights ArtifactType = "weights"
	ArtifactTypeBundle  ArtifactType = "bundle"
)

// JobArtifact is a durable record of a published job artifact.
// A weights artifact for a job is the job's processed marker.
type JobArtifact struct {
	ID        int64
	JobID     string
	Type      ArtifactType
	URI       string
	CreatedAt time.Time
	MetaJSON  map[string]interface{}
}

// BlobUploadResult is the immutable result of one blob upload.
type BlobUploadResult struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}
