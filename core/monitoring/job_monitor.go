// Package monitoring tracks training jobs, gates weights processing so it
// runs once per finished job, and exports service metrics.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/lock"
	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

// JobService reads training jobs from the remote training service.
type JobService interface {
	GetTraining(ctx context.Context, id string) (*models.TrainingJob, error)
}

// WeightsProcessor publishes the weights of a finished job.
type WeightsProcessor interface {
	ProcessWeights(ctx context.Context, archiveURL, jobID string) (*models.BlobUploadResult, error)
	Cleanup(jobID string) error
}

// Notifier announces newly published weights.
type Notifier interface {
	NotifyWeightsProcessed(ctx context.Context, jobID string, result *models.BlobUploadResult) error
}

// Options configures a JobMonitor
type Options struct {
	RunTimeout   time.Duration // upper bound for one gated pipeline run, lock wait included
	PollInterval time.Duration // background polling period of tracked jobs
	MaxAttempts  int           // failed weights runs before the poller gives up on a job
}

// JobMonitor answers status checks and runs the weights pipeline at most
// once per succeeded job. Callers in this process share one run per job;
// the Locker serialises runs across processes, and the ledger kept by the
// WeightsManager is re-read under the lock.
type JobMonitor struct {
	jobs      JobService
	processor WeightsProcessor
	weights   *storage.WeightsManager
	locker    lock.Locker
	notifier  Notifier
	metrics   *Metrics
	opts      Options

	group singleflight.Group

	mu      sync.Mutex
	tracked map[string]int // failed weights runs per tracked job
}

// NewJobMonitor creates a new job monitor. notifier and metrics may be nil.
func NewJobMonitor(
	jobs JobService,
	processor WeightsProcessor,
	weights *storage.WeightsManager,
	locker lock.Locker,
	notifier Notifier,
	metrics *Metrics,
	opts Options,
) *JobMonitor {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &JobMonitor{
		jobs:      jobs,
		processor: processor,
		weights:   weights,
		locker:    locker,
		notifier:  notifier,
		metrics:   metrics,
		opts:      opts,
		tracked:   make(map[string]int),
	}
}

type runOutcome struct {
	result  *models.BlobUploadResult
	procErr error
}

// CheckStatus returns the current state of a training job. When the job has
// succeeded and its weights have not been published yet, the weights
// pipeline runs before CheckStatus returns. A pipeline failure is reported
// in the job's ExtractError and retried on the next check.
func (jm *JobMonitor) CheckStatus(ctx context.Context, jobID string) (*models.TrainingJob, error) {
	if !models.ValidJobID(jobID) {
		return nil, apperrors.Validation("id", fmt.Sprintf("invalid training id %q", jobID))
	}

	job, err := jm.jobs.GetTraining(ctx, jobID)
	if err != nil {
		return nil, err
	}
	jm.metrics.RecordStatusCheck(ctx, string(job.Status))

	processed, err := jm.recorded(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if processed != nil {
		job.ProcessedWeights = true
		job.ModelURL = processed.URI
		return job, nil
	}

	archiveURL := job.WeightsURL()
	if job.Status != models.JobStatusSucceeded || archiveURL == "" {
		return job, nil
	}

	// the run outlives a disconnecting caller; RunTimeout bounds it
	v, err, shared := jm.group.Do(jobID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jm.opts.RunTimeout)
		defer cancel()
		return jm.processOnce(runCtx, jobID, archiveURL)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Joined in-flight weights processing", "jobId", jobID)
	}

	out := v.(runOutcome)
	if out.procErr != nil {
		job.ExtractError = out.procErr.Error()
		return job, nil
	}

	job.ProcessedWeights = true
	job.ModelURL = out.result.URL
	return job, nil
}

func (jm *JobMonitor) processOnce(ctx context.Context, jobID, archiveURL string) (runOutcome, error) {
	logger := slog.With("jobId", jobID)

	unlock, err := jm.locker.Lock(ctx, jobID)
	if err != nil {
		return runOutcome{}, apperrors.Internal("acquire weights lock", err)
	}
	defer unlock()

	processed, err := jm.recorded(ctx, jobID)
	if err != nil {
		return runOutcome{}, err
	}
	if processed != nil {
		logger.Debug("Weights already processed by another caller")
		return runOutcome{result: &models.BlobUploadResult{URL: processed.URI}}, nil
	}

	jm.recordEvent(ctx, jobID, models.EventWeightsProcessingStarted, map[string]interface{}{"archiveUrl": archiveURL})
	jm.metrics.RecordPipelineStarted(ctx)
	logger.Info("Processing weights")

	result, err := jm.processor.ProcessWeights(ctx, archiveURL, jobID)
	if err != nil {
		jm.metrics.RecordPipelineFinished(ctx, "failed")
		logger.Error("Weights processing failed", "error", err)
		jm.recordEvent(ctx, jobID, models.EventWeightsProcessingFailed, map[string]interface{}{"error": err.Error()})
		return runOutcome{procErr: err}, nil
	}

	if err := jm.weights.SaveWeights(ctx, jobID, result); err != nil {
		jm.metrics.RecordPipelineFinished(ctx, "unrecorded")
		return runOutcome{}, err
	}
	jm.metrics.RecordPipelineFinished(ctx, "success")

	if err := jm.processor.Cleanup(jobID); err != nil {
		logger.Warn("Failed to remove working directory", "error", err)
	}

	if jm.notifier != nil {
		if err := jm.notifier.NotifyWeightsProcessed(ctx, jobID, result); err != nil {
			logger.Warn("Failed to publish weights notification", "error", err)
		}
	}

	logger.Info("Weights processed", "modelUrl", result.URL)
	return runOutcome{result: result}, nil
}

// Reset forgets the processed weights of a job so the next status check
// runs the pipeline again. Returns whether anything was recorded.
func (jm *JobMonitor) Reset(ctx context.Context, jobID string) (bool, error) {
	if !models.ValidJobID(jobID) {
		return false, apperrors.Validation("id", fmt.Sprintf("invalid training id %q", jobID))
	}

	unlock, err := jm.locker.Lock(ctx, jobID)
	if err != nil {
		return false, apperrors.Internal("acquire weights lock", err)
	}
	defer unlock()

	removed, err := jm.weights.ResetWeights(ctx, jobID)
	if err != nil {
		return false, err
	}
	slog.Info("Reset processed weights", "jobId", jobID, "removed", removed)
	return removed, nil
}

// Events returns the weights processing history of a job, newest first.
func (jm *JobMonitor) Events(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	if !models.ValidJobID(jobID) {
		return nil, apperrors.Validation("id", fmt.Sprintf("invalid training id %q", jobID))
	}
	return jm.weights.ListEvents(ctx, jobID, limit)
}

// Track adds a job to the background polling set.
func (jm *JobMonitor) Track(jobID string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if _, ok := jm.tracked[jobID]; !ok {
		jm.tracked[jobID] = 0
	}
}

// Start polls tracked jobs until ctx is done, so weights get published even
// when no client polls.
func (jm *JobMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(jm.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.pollTracked(ctx)
		}
	}
}

// pollTracked checks every tracked job once and drops the ones that need no
// further attention.
func (jm *JobMonitor) pollTracked(ctx context.Context) {
	jm.mu.Lock()
	ids := make([]string, 0, len(jm.tracked))
	for id := range jm.tracked {
		ids = append(ids, id)
	}
	jm.mu.Unlock()

	for _, id := range ids {
		job, err := jm.CheckStatus(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrValidation) {
				jm.untrack(id)
			}
			slog.Warn("Failed to poll training", "jobId", id, "error", err)
			continue
		}
		if !job.Status.IsTerminal() {
			continue
		}
		if job.ExtractError != "" && jm.recordFailure(id) < jm.opts.MaxAttempts {
			slog.Warn("Weights processing failed, retrying on next poll", "jobId", id, "error", job.ExtractError)
			continue
		}
		if job.ExtractError != "" {
			slog.Error("Stopped polling training after repeated weights processing failures",
				"jobId", id, "attempts", jm.opts.MaxAttempts, "error", job.ExtractError)
		}
		jm.untrack(id)
	}
}

func (jm *JobMonitor) recordFailure(jobID string) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.tracked[jobID]++
	return jm.tracked[jobID]
}

func (jm *JobMonitor) untrack(jobID string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.tracked, jobID)
}

func (jm *JobMonitor) trackedCount() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return len(jm.tracked)
}

func (jm *JobMonitor) recorded(ctx context.Context, jobID string) (*models.JobArtifact, error) {
	artifact, err := jm.weights.GetWeights(ctx, jobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return artifact, err
}

func (jm *JobMonitor) recordEvent(ctx context.Context, jobID, reason string, meta map[string]interface{}) {
	if err := jm.weights.RecordEvent(ctx, jobID, reason, meta); err != nil {
		slog.Warn("Failed to record job event", "jobId", jobID, "reason", reason, "error", err)
	}
}
