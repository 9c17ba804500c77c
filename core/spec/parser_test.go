package spec

import (
	"os"
	"path/filepath"
	"testing"

	"lora-orchestrator/core/models"
)

func TestParseTrainerSpec(t *testing.T) {
	t.Parallel()
	yamlSpec := `
trainer:
  owner: acme
  model: sdxl-lora-trainer
  version: abc123
  destination: acme/portraits
  defaults:
    steps: 2000
    lora_rank: 32
    trigger_word: ACME
preview:
  version: def456
`
	spec, err := ParseTrainerSpec([]byte(yamlSpec))
	if err != nil {
		t.Fatalf("ParseTrainerSpec() error = %v", err)
	}
	if spec.Trainer.Owner != "acme" || spec.Trainer.Destination != "acme/portraits" {
		t.Errorf("trainer = %+v", spec.Trainer)
	}
	if spec.Trainer.Defaults.Steps != models.IntOf(2000) || spec.Trainer.Defaults.LoraRank != models.IntOf(32) {
		t.Errorf("defaults = %+v", spec.Trainer.Defaults)
	}
	// keys the file omits keep the built-in values
	if spec.Trainer.Defaults.Optimizer != "adamw8bit" {
		t.Errorf("Optimizer = %q, want adamw8bit", spec.Trainer.Defaults.Optimizer)
	}
	if spec.Preview.Input["output_format"] != "png" {
		t.Errorf("preview input = %v", spec.Preview.Input)
	}
}

func TestParseTrainerSpec_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "trainer: [unclosed"},
		{name: "bad destination", yaml: "trainer:\n  destination: nodash"},
		{name: "nested destination", yaml: "trainer:\n  destination: a/b/c"},
		{name: "missing version", yaml: "trainer:\n  version: \"\""},
	}
	for _, tt := range tests {
		if _, err := ParseTrainerSpec([]byte(tt.yaml)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadTrainerSpec(t *testing.T) {
	t.Parallel()
	spec, err := LoadTrainerSpec("")
	if err != nil || spec.Trainer.Model != "flux-dev-lora-trainer" {
		t.Fatalf("LoadTrainerSpec(\"\") = %+v, %v", spec, err)
	}

	path := filepath.Join(t.TempDir(), "trainer.yaml")
	if err := os.WriteFile(path, []byte("trainer:\n  destination: me/model\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err = LoadTrainerSpec(path)
	if err != nil {
		t.Fatalf("LoadTrainerSpec() error = %v", err)
	}
	if spec.Trainer.Destination != "me/model" {
		t.Errorf("Destination = %q", spec.Trainer.Destination)
	}

	if _, err := LoadTrainerSpec(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeParams(t *testing.T) {
	t.Parallel()
	spec := DefaultTrainerSpec()
	off := false

	got := spec.MergeParams(models.TrainingParams{
		Steps:              models.IntOf(500),
		CaptionDropoutRate: models.FloatOf(0),
		Autocaption:        &off,
	})
	if got.Steps != models.IntOf(500) {
		t.Errorf("Steps = %+v, want 500", got.Steps)
	}
	if got.CaptionDropoutRate != models.FloatOf(0) {
		t.Errorf("explicit captionDropoutRate=0 was overridden: %+v", got.CaptionDropoutRate)
	}
	if got.Autocaption == nil || *got.Autocaption {
		t.Error("explicit autocaption=false was overridden")
	}
	if got.LoraRank != models.IntOf(16) || got.LearningRate != models.FloatOf(0.0004) || got.Optimizer != "adamw8bit" || got.TriggerWord != "TOK" {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestParseTrainerSpec_ZeroDefaultIsSet(t *testing.T) {
	t.Parallel()
	spec, err := ParseTrainerSpec([]byte("trainer:\n  defaults:\n    caption_dropout_rate: 0\n"))
	if err != nil {
		t.Fatalf("ParseTrainerSpec() error = %v", err)
	}
	if got := spec.Trainer.Defaults.CaptionDropoutRate; got != models.FloatOf(0) {
		t.Errorf("CaptionDropoutRate = %+v, want set zero", got)
	}
}
