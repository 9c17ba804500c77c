// Package spec loads trainer and preview presets from YAML.
package spec

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lora-orchestrator/core/models"
)

// TrainerSpec is the YAML preset file
type TrainerSpec struct {
	Trainer TrainerSection `yaml:"trainer"`
	Preview PreviewSection `yaml:"preview"`
}

// TrainerSection selects the remote trainer and its default parameters
type TrainerSection struct {
	Owner       string                `yaml:"owner"`
	Model       string                `yaml:"model"`
	Version     string                `yaml:"version"`
	Destination string                `yaml:"destination"` // owner/name of the model receiving the trained version
	Defaults    models.TrainingParams `yaml:"defaults"`
}

// PreviewSection selects the model used for preview images
type PreviewSection struct {
	Version string                 `yaml:"version"` // model version id
	Input   map[string]interface{} `yaml:"input"`
}

// DefaultTrainerSpec returns the built-in presets used when no file is configured
func DefaultTrainerSpec() *TrainerSpec {
	autocaption := true
	cacheLatents := true
	return &TrainerSpec{
		Trainer: TrainerSection{
			Owner:       "ostris",
			Model:       "flux-dev-lora-trainer",
			Version:     "e440909d3512c31646ee2e0c7d6f6f4923224863a6a10c494606e79fb5844497",
			Destination: "portugalgateway/teste",
			Defaults: models.TrainingParams{
				Steps:               models.IntOf(1000),
				LoraRank:            models.IntOf(16),
				Optimizer:           "adamw8bit",
				BatchSize:           models.IntOf(1),
				Resolution:          "512,768,1024",
				Autocaption:         &autocaption,
				TriggerWord:         "TOK",
				LearningRate:        models.FloatOf(0.0004),
				WandbProject:        "flux_train_replicate",
				WandbSaveInterval:   models.IntOf(100),
				CaptionDropoutRate:  models.FloatOf(0.05),
				CacheLatentsToDisk:  &cacheLatents,
				WandbSampleInterval: models.IntOf(100),
			},
		},
		Preview: PreviewSection{
			Version: "75f4226a56e37b3d81a257ee2f9c18166b146e9d0018babd4f0a10b1e6e89be8",
			Input: map[string]interface{}{
				"model":               "dev",
				"lora_scale":          1,
				"num_outputs":         1,
				"aspect_ratio":        "3:2",
				"output_format":       "png",
				"guidance_scale":      3.5,
				"output_quality":      90,
				"prompt_strength":     0.8,
				"extra_lora_scale":    1,
				"num_inference_steps": 28,
			},
		},
	}
}

// LoadTrainerSpec reads presets from path. An empty path yields the defaults.
func LoadTrainerSpec(path string) (*TrainerSpec, error) {
	if path == "" {
		return DefaultTrainerSpec(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trainer spec: %w", err)
	}
	return ParseTrainerSpec(data)
}

// ParseTrainerSpec parses YAML presets. Fields the file leaves out keep
// their built-in values.
func ParseTrainerSpec(specYAML []byte) (*TrainerSpec, error) {
	spec := DefaultTrainerSpec()
	if err := yaml.Unmarshal(specYAML, spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks that the trainer can be addressed
func (s *TrainerSpec) Validate() error {
	t := s.Trainer
	if t.Owner == "" || t.Model == "" || t.Version == "" {
		return fmt.Errorf("trainer owner, model and version are required")
	}
	owner, name, ok := strings.Cut(t.Destination, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid trainer destination %q: want owner/name", t.Destination)
	}
	if s.Preview.Version == "" {
		return fmt.Errorf("preview version is required")
	}
	return nil
}

// MergeParams fills the unset fields of params with the preset defaults.
// Numeric fields the client sent are kept even when zero.
func (s *TrainerSpec) MergeParams(params models.TrainingParams) models.TrainingParams {
	d := s.Trainer.Defaults
	params.Steps = params.Steps.Or(d.Steps)
	params.LoraRank = params.LoraRank.Or(d.LoraRank)
	params.BatchSize = params.BatchSize.Or(d.BatchSize)
	params.LearningRate = params.LearningRate.Or(d.LearningRate)
	params.WandbSaveInterval = params.WandbSaveInterval.Or(d.WandbSaveInterval)
	params.CaptionDropoutRate = params.CaptionDropoutRate.Or(d.CaptionDropoutRate)
	params.WandbSampleInterval = params.WandbSampleInterval.Or(d.WandbSampleInterval)
	if params.Optimizer == "" {
		params.Optimizer = d.Optimizer
	}
	if params.Resolution == "" {
		params.Resolution = d.Resolution
	}
	if params.Autocaption == nil {
		params.Autocaption = d.Autocaption
	}
	if params.TriggerWord == "" {
		params.TriggerWord = d.TriggerWord
	}
	if params.WandbProject == "" {
		params.WandbProject = d.WandbProject
	}
	if params.CacheLatentsToDisk == nil {
		params.CacheLatentsToDisk = d.CacheLatentsToDisk
	}
	return params
}
