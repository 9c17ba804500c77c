package storage

import (
	"context"
	"errors"
	"log/slog"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
)

// ErrAlreadyRecorded is returned by an ArtifactStore when a job already has
// a weights artifact.
var ErrAlreadyRecorded = errors.New("weights already recorded for job")

// ArtifactStore persists job artifacts.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error
	GetJobArtifacts(ctx context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error)
	DeleteJobArtifacts(ctx context.Context, jobID string, artifactType models.ArtifactType) (int64, error)
}

// EventStore persists job events.
type EventStore interface {
	CreateJobEvent(ctx context.Context, jobID, reason string, meta map[string]interface{}) error
	GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// WeightsManager is the processed-weights ledger: a job counts as processed
// exactly when it has a weights artifact.
type WeightsManager struct {
	artifacts ArtifactStore
	events    EventStore
}

// NewWeightsManager creates a new weights manager
func NewWeightsManager(artifacts ArtifactStore, events EventStore) *WeightsManager {
	return &WeightsManager{
		artifacts: artifacts,
		events:    events,
	}
}

// SaveWeights records the published weights of a job. Recording the same job
// twice is not an error: the key is deterministic, so the address is the same.
// Once the artifact is recorded, a failure to append the event is only logged.
func (wm *WeightsManager) SaveWeights(ctx context.Context, jobID string, result *models.BlobUploadResult) error {
	meta := map[string]interface{}{
		"key":  result.Key,
		"size": result.Size,
	}

	err := wm.artifacts.CreateArtifact(ctx, jobID, models.ArtifactTypeWeights, result.URL, meta)
	if err != nil && !errors.Is(err, ErrAlreadyRecorded) {
		return apperrors.Internal("record weights", err)
	}

	// the artifact row is the processed marker; history is best-effort from here
	wm.recordEventQuietly(ctx, jobID, models.EventWeightsProcessed, map[string]interface{}{
		"uri":  result.URL,
		"size": result.Size,
	})
	return nil
}

// GetWeights returns the recorded weights artifact of a job.
// Returns an apperrors.ErrNotFound error if the job has not been processed.
func (wm *WeightsManager) GetWeights(ctx context.Context, jobID string) (*models.JobArtifact, error) {
	weightsType := models.ArtifactTypeWeights
	artifacts, err := wm.artifacts.GetJobArtifacts(ctx, jobID, &weightsType)
	if err != nil {
		return nil, apperrors.Internal("load weights", err)
	}
	if len(artifacts) == 0 {
		return nil, apperrors.NotFound("weights for training", jobID)
	}

	latest := artifacts[0]
	for _, a := range artifacts[1:] {
		if a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	return &latest, nil
}

// ResetWeights forgets the processed weights of a job so the next status
// check runs the pipeline again. Returns whether a record was removed.
func (wm *WeightsManager) ResetWeights(ctx context.Context, jobID string) (bool, error) {
	n, err := wm.artifacts.DeleteJobArtifacts(ctx, jobID, models.ArtifactTypeWeights)
	if err != nil {
		return false, apperrors.Internal("reset weights", err)
	}
	if n == 0 {
		return false, nil
	}
	wm.recordEventQuietly(ctx, jobID, models.EventWeightsReset, nil)
	return true, nil
}

// RecordEvent appends a weights processing event for a job.
func (wm *WeightsManager) RecordEvent(ctx context.Context, jobID, reason string, meta map[string]interface{}) error {
	if err := wm.events.CreateJobEvent(ctx, jobID, reason, meta); err != nil {
		return apperrors.Internal("record job event", err)
	}
	return nil
}

func (wm *WeightsManager) recordEventQuietly(ctx context.Context, jobID, reason string, meta map[string]interface{}) {
	if err := wm.RecordEvent(ctx, jobID, reason, meta); err != nil {
		slog.Warn("Failed to record job event", "jobId", jobID, "reason", reason, "error", err)
	}
}

// ListEvents returns the most recent events of a job, newest first.
func (wm *WeightsManager) ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	events, err := wm.events.GetJobEvents(ctx, jobID, limit)
	if err != nil {
		return nil, apperrors.Internal("load job events", err)
	}
	return events, nil
}
