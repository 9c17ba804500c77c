// Package pipeline turns a finished training's weights archive into a
// published model file: fetch, extract, locate, upload.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/artifact"
	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

// Pipeline stages, in execution order.
const (
	StagePrepare = "prepare"
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageLocate  = "locate"
	StageRead    = "read"
	StageUpload  = "upload"
)

const (
	WeightsSuffix      = ".safetensors"
	WeightsContentType = "application/octet-stream"

	archiveFileName = "weights.tar"
	extractDirName  = "extracted"
)

// StageError reports the stage at which a pipeline run failed.
type StageError struct {
	Stage string
	JobID string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("weights pipeline for job %s failed at %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fetcher downloads a remote archive to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) (*artifact.FetchResult, error)
}

// Extractor unpacks an archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// StageRecorder receives per-stage timings.
type StageRecorder interface {
	RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64)
	RecordUpload(ctx context.Context, kind string, bytes int64)
}

// Options configures an Orchestrator. Zero timeouts disable the stage limit.
type Options struct {
	WorkDir        string
	FetchTimeout   time.Duration
	ExtractTimeout time.Duration
	UploadTimeout  time.Duration
	MaxSearchDepth int
}

// Orchestrator runs the weights pipeline for one job at a time per call.
// It keeps no state between calls; deduplication is the caller's concern.
type Orchestrator struct {
	fetcher   Fetcher
	extractor Extractor
	store     storage.BlobStore
	recorder  StageRecorder
	opts      Options
}

// NewOrchestrator creates a new weights pipeline orchestrator
func NewOrchestrator(fetcher Fetcher, extractor Extractor, store storage.BlobStore, recorder StageRecorder, opts Options) *Orchestrator {
	return &Orchestrator{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		recorder:  recorder,
		opts:      opts,
	}
}

// WeightsKey is the object key the weights of jobID are published under.
func WeightsKey(jobID string) string {
	return "models/" + jobID + "/lora.safetensors"
}

// ProcessWeights fetches the archive at archiveURL, extracts it, finds the
// single .safetensors file in it and publishes that file. The working
// directory is left in place on both success and failure; see Cleanup.
func (o *Orchestrator) ProcessWeights(ctx context.Context, archiveURL, jobID string) (*models.BlobUploadResult, error) {
	logger := slog.With("jobId", jobID)

	var jobDir string
	err := o.runStage(ctx, jobID, StagePrepare, 0, func(context.Context) error {
		var err error
		jobDir, err = o.prepare(jobID, archiveURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	archivePath := filepath.Join(jobDir, archiveFileName)
	extractDir := filepath.Join(jobDir, extractDirName)

	logger.Info("Downloading weights archive", "url", archiveURL)
	err = o.runStage(ctx, jobID, StageFetch, o.opts.FetchTimeout, func(ctx context.Context) error {
		res, err := o.fetcher.Fetch(ctx, archiveURL, archivePath)
		if err == nil {
			logger.Info("Downloaded weights archive", "bytes", res.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.runStage(ctx, jobID, StageExtract, o.opts.ExtractTimeout, func(ctx context.Context) error {
		if err := os.RemoveAll(extractDir); err != nil {
			return apperrors.Internal("reset extraction directory", err)
		}
		return o.extractor.Extract(ctx, archivePath, extractDir)
	})
	if err != nil {
		return nil, err
	}

	var weightsPath string
	err = o.runStage(ctx, jobID, StageLocate, 0, func(context.Context) error {
		res, err := artifact.Locate(extractDir, WeightsSuffix, o.opts.MaxSearchDepth)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
		weightsPath = res.Path
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Located weights file", "path", weightsPath)

	var file *os.File
	var size int64
	err = o.runStage(ctx, jobID, StageRead, 0, func(context.Context) error {
		var err error
		file, err = os.Open(weightsPath)
		if err != nil {
			return apperrors.Internal("open weights file", err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return apperrors.Internal("stat weights file", err)
		}
		size = info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer file.Close()

	key := WeightsKey(jobID)
	var result *models.BlobUploadResult
	err = o.runStage(ctx, jobID, StageUpload, o.opts.UploadTimeout, func(ctx context.Context) error {
		var err error
		result, err = o.store.Put(ctx, storage.ReaderSource(file, size), key, WeightsContentType)
		return err
	})
	if err != nil {
		return nil, err
	}

	if o.recorder != nil {
		o.recorder.RecordUpload(ctx, "weights", result.Size)
	}
	logger.Info("Published weights", "url", result.URL, "bytes", result.Size)
	return result, nil
}

// Cleanup removes the working directory of jobID.
func (o *Orchestrator) Cleanup(jobID string) error {
	if !models.ValidJobID(jobID) {
		return apperrors.Validation("jobId", fmt.Sprintf("invalid job id %q", jobID))
	}
	return os.RemoveAll(filepath.Join(o.opts.WorkDir, jobID))
}

func (o *Orchestrator) prepare(jobID, archiveURL string) (string, error) {
	if !models.ValidJobID(jobID) {
		return "", apperrors.Validation("jobId", fmt.Sprintf("invalid job id %q", jobID))
	}
	if archiveURL == "" {
		return "", apperrors.Validation("url", "archive url is required")
	}

	jobDir := filepath.Join(o.opts.WorkDir, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", apperrors.Internal("create working directory", err)
	}
	return jobDir, nil
}

func (o *Orchestrator) runStage(ctx context.Context, jobID, stage string, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if o.recorder != nil {
		o.recorder.RecordStage(ctx, stage, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return &StageError{Stage: stage, JobID: jobID, Err: err}
	}
	return nil
}
