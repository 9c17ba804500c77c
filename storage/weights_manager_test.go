package storage_test

import (
	"context"
	"errors"
	"testing"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/storage"
)

func newManager() *storage.WeightsManager {
	return storage.NewWeightsManager(repository.NewMemoryArtifactRepository(), repository.NewMemoryEventRepository())
}

func TestWeightsManager_SaveAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wm := newManager()

	if _, err := wm.GetWeights(ctx, "job-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("GetWeights before save error = %v, want ErrNotFound", err)
	}

	result := &models.BlobUploadResult{URL: "https://cdn/models/job-1/lora.safetensors", Key: "models/job-1/lora.safetensors", Size: 42}
	if err := wm.SaveWeights(ctx, "job-1", result); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	// recording again is idempotent
	if err := wm.SaveWeights(ctx, "job-1", result); err != nil {
		t.Fatalf("second SaveWeights: %v", err)
	}

	got, err := wm.GetWeights(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetWeights: %v", err)
	}
	if got.URI != result.URL {
		t.Errorf("URI = %q, want %q", got.URI, result.URL)
	}

	events, err := wm.ListEvents(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Reason != models.EventWeightsProcessed {
		t.Fatalf("events = %+v", events)
	}
}

func TestWeightsManager_Reset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wm := newManager()

	removed, err := wm.ResetWeights(ctx, "job-1")
	if err != nil || removed {
		t.Fatalf("ResetWeights on unprocessed job = %v, %v; want false, nil", removed, err)
	}

	_ = wm.SaveWeights(ctx, "job-1", &models.BlobUploadResult{URL: "u", Key: "k", Size: 1})
	removed, err = wm.ResetWeights(ctx, "job-1")
	if err != nil || !removed {
		t.Fatalf("ResetWeights = %v, %v; want true, nil", removed, err)
	}
	if _, err := wm.GetWeights(ctx, "job-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("GetWeights after reset error = %v, want ErrNotFound", err)
	}
}

func TestPublicURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, key, want string
	}{
		{"https://b.s3.us-east-1.amazonaws.com", "models/job-1/lora.safetensors", "https://b.s3.us-east-1.amazonaws.com/models/job-1/lora.safetensors"},
		{"https://cdn.example.com/", "/training-data/a b.zip", "https://cdn.example.com/training-data/a%20b.zip"},
	}
	for _, tt := range tests {
		if got := storage.PublicURL(tt.base, tt.key); got != tt.want {
			t.Errorf("PublicURL(%q, %q) = %q, want %q", tt.base, tt.key, got, tt.want)
		}
	}
}

type failingEvents struct {
	*repository.MemoryEventRepository
}

func (failingEvents) CreateJobEvent(context.Context, string, string, map[string]interface{}) error {
	return errors.New("event table unavailable")
}

func TestWeightsManager_EventFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	wm := storage.NewWeightsManager(repository.NewMemoryArtifactRepository(), failingEvents{repository.NewMemoryEventRepository()})

	result := &models.BlobUploadResult{URL: "https://cdn/models/job-1/lora.safetensors", Key: "models/job-1/lora.safetensors", Size: 42}
	if err := wm.SaveWeights(ctx, "job-1", result); err != nil {
		t.Fatalf("SaveWeights with failing event store: %v", err)
	}
	if _, err := wm.GetWeights(ctx, "job-1"); err != nil {
		t.Fatalf("GetWeights: %v", err)
	}

	removed, err := wm.ResetWeights(ctx, "job-1")
	if err != nil || !removed {
		t.Fatalf("ResetWeights = %v, %v; want true, nil", removed, err)
	}
}
