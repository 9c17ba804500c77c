package training

import (
	"context"
	"log/slog"
	"os"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/spec"
	"lora-orchestrator/storage"
)

const (
	bundleKeyPrefix   = "training-data/"
	bundleContentType = "application/zip"
)

// JobService submits trainings and predictions to the remote service.
type JobService interface {
	CreateTraining(ctx context.Context, req models.TrainingRequest) (*models.TrainingJob, error)
	RunPrediction(ctx context.Context, version string, input map[string]any) (*models.Prediction, error)
}

// Tracker is told about each submitted training.
type Tracker interface {
	Track(jobID string)
}

// Recorder receives training submission metrics.
type Recorder interface {
	RecordTrainingStarted(ctx context.Context)
	RecordUpload(ctx context.Context, kind string, bytes int64)
}

// Service starts trainings from uploaded images
type Service struct {
	jobs      JobService
	bundles   storage.BlobStore
	bundler   *Bundler
	presets   *spec.TrainerSpec
	artifacts storage.ArtifactStore
	tracker   Tracker
	recorder  Recorder
}

// NewService creates a new training service. artifacts, tracker and
// recorder may be nil.
func NewService(
	jobs JobService,
	bundles storage.BlobStore,
	bundler *Bundler,
	presets *spec.TrainerSpec,
	artifacts storage.ArtifactStore,
	tracker Tracker,
	recorder Recorder,
) *Service {
	return &Service{
		jobs:      jobs,
		bundles:   bundles,
		bundler:   bundler,
		presets:   presets,
		artifacts: artifacts,
		tracker:   tracker,
		recorder:  recorder,
	}
}

// StartTraining bundles the requested images, publishes the bundle and
// submits a training that reads it. The local bundle is removed once its
// upload returns; source images are removed once the training is accepted.
func (s *Service) StartTraining(ctx context.Context, req models.StartTrainingRequest) (*models.TrainingJob, error) {
	if err := ValidateImageSet(req.ImageFiles); err != nil {
		return nil, err
	}

	bundle, err := s.bundler.Bundle(req.ImageFiles)
	if err != nil {
		return nil, err
	}

	uploaded, err := s.uploadBundle(ctx, bundle)
	if err != nil {
		return nil, err
	}
	slog.Info("Uploaded image bundle", "url", uploaded.URL, "bytes", uploaded.Size)

	params := s.presets.MergeParams(req.TrainingParams)
	trainer := s.presets.Trainer

	job, err := s.jobs.CreateTraining(ctx, models.TrainingRequest{
		Owner:       trainer.Owner,
		Model:       trainer.Model,
		Version:     trainer.Version,
		Destination: trainer.Destination,
		Input:       BuildTrainingInput(params, uploaded.URL),
	})
	if err != nil {
		return nil, err
	}
	logger := slog.With("jobId", job.ID)
	logger.Info("Training submitted", "status", job.Status)

	s.bundler.RemoveImages(req.ImageFiles)

	if s.artifacts != nil {
		meta := map[string]interface{}{"key": uploaded.Key, "size": uploaded.Size, "images": bundle.Images}
		if err := s.artifacts.CreateArtifact(ctx, job.ID, models.ArtifactTypeBundle, uploaded.URL, meta); err != nil {
			logger.Warn("Failed to record image bundle", "error", err)
		}
	}
	if s.tracker != nil {
		s.tracker.Track(job.ID)
	}
	if s.recorder != nil {
		s.recorder.RecordTrainingStarted(ctx)
		s.recorder.RecordUpload(ctx, "bundle", uploaded.Size)
	}

	return job, nil
}

func (s *Service) uploadBundle(ctx context.Context, bundle *Bundle) (*models.BlobUploadResult, error) {
	defer func() {
		if err := os.Remove(bundle.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove local bundle", "path", bundle.Path, "error", err)
		}
	}()

	file, err := os.Open(bundle.Path)
	if err != nil {
		return nil, apperrors.Internal("open image bundle", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, apperrors.Internal("stat image bundle", err)
	}

	return s.bundles.Put(ctx, storage.ReaderSource(file, info.Size()), bundleKeyPrefix+bundle.Name, bundleContentType)
}

// BuildTrainingInput maps training parameters to the trainer's input fields.
// Unset fields are left out so the trainer applies its own defaults.
func BuildTrainingInput(p models.TrainingParams, imagesURL string) map[string]any {
	input := map[string]any{
		"input_images":  imagesURL,
		"optimizer":     p.Optimizer,
		"resolution":    p.Resolution,
		"trigger_word":  p.TriggerWord,
		"wandb_project": p.WandbProject,
	}
	ints := map[string]models.IntParam{
		"steps":                 p.Steps,
		"lora_rank":             p.LoraRank,
		"batch_size":            p.BatchSize,
		"wandb_save_interval":   p.WandbSaveInterval,
		"wandb_sample_interval": p.WandbSampleInterval,
	}
	for name, v := range ints {
		if v.Set {
			input[name] = v.Value
		}
	}
	floats := map[string]models.FloatParam{
		"learning_rate":        p.LearningRate,
		"caption_dropout_rate": p.CaptionDropoutRate,
	}
	for name, v := range floats {
		if v.Set {
			input[name] = v.Value
		}
	}
	if p.Autocaption != nil {
		input["autocaption"] = *p.Autocaption
	}
	if p.CacheLatentsToDisk != nil {
		input["cache_latents_to_disk"] = *p.CacheLatentsToDisk
	}
	return input
}
