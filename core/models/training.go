package models

// MinTrainingImages is the smallest image set accepted for a training.
const MinTrainingImages = 5

// ImageFile is an uploaded training image held in the local uploads directory.
type ImageFile struct {
	Filename string `json:"filename"` // generated unique name
	Path     string `json:"path,omitempty"`
}

// TrainingImageSet is the ordered set of images bundled for one training.
type TrainingImageSet []ImageFile

// TrainingParams are the trainer hyperparameters accepted from clients and presets.
// Unset numeric fields take the preset value; a zero that was sent is kept.
type TrainingParams struct {
	Steps               IntParam   `json:"steps" yaml:"steps"`
	LoraRank            IntParam   `json:"loraRank" yaml:"lora_rank"`
	Optimizer           string     `json:"optimizer,omitempty" yaml:"optimizer"`
	BatchSize           IntParam   `json:"batchSize" yaml:"batch_size"`
	Resolution          string     `json:"resolution,omitempty" yaml:"resolution"`
	Autocaption         *bool      `json:"autocaption,omitempty" yaml:"autocaption"`
	TriggerWord         string     `json:"triggerWord,omitempty" yaml:"trigger_word"`
	LearningRate        FloatParam `json:"learningRate" yaml:"learning_rate"`
	WandbProject        string     `json:"wandbProject,omitempty" yaml:"wandb_project"`
	WandbSaveInterval   IntParam   `json:"wandbSaveInterval" yaml:"wandb_save_interval"`
	CaptionDropoutRate  FloatParam `json:"captionDropoutRate" yaml:"caption_dropout_rate"`
	CacheLatentsToDisk  *bool      `json:"cacheLatentsToDisk,omitempty" yaml:"cache_latents_to_disk"`
	WandbSampleInterval IntParam   `json:"wandbSampleInterval" yaml:"wandb_sample_interval"`
}

// TrainingRequest is a job submission to the remote training service.
type TrainingRequest struct {
	Owner       string
	Model       string
	Version     string
	Destination string
	Input       map[string]any
}

// PreviewRequest asks for a sample image, optionally with extra LoRA weights.
type PreviewRequest struct {
	Prompt    string `json:"prompt"`
	ExtraLora string `json:"extra_lora,omitempty"`
}

// PreviewResult is a generated preview image.
type PreviewResult struct {
	ImageURL    string `json:"imageUrl"`
	Base64Image string `json:"base64Image"`
}

// StartTrainingRequest is a client request to train on previously uploaded images.
type StartTrainingRequest struct {
	TrainingParams
	ImageFiles TrainingImageSet `json:"imageFiles"`
}

// Prediction is a model run on the remote service.
type Prediction struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
	Output any       `json:"output,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// FirstOutputURL returns the first URL in the prediction output, which is
// either a single string or a list of strings.
func (p *Prediction) FirstOutputURL() string {
	switch out := p.Output.(type) {
	case string:
		return out
	case []any:
		if len(out) > 0 {
			if s, ok := out[0].(string); ok {
				return s
			}
		}
	case []string:
		if len(out) > 0 {
			return out[0]
		}
	}
	return ""
}
