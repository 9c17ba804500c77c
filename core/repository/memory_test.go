package repository

import (
	"context"
	"errors"
	"testing"

	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

func TestMemoryArtifactRepository_WeightsRecordedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryArtifactRepository()

	if err := repo.CreateArtifact(ctx, "job-1", models.ArtifactTypeWeights, "https://cdn/a", nil); err != nil {
		t.Fatalf("first CreateArtifact: %v", err)
	}
	err := repo.CreateArtifact(ctx, "job-1", models.ArtifactTypeWeights, "https://cdn/a", nil)
	if !errors.Is(err, storage.ErrAlreadyRecorded) {
		t.Fatalf("second CreateArtifact error = %v, want ErrAlreadyRecorded", err)
	}

	// bundles are not limited
	for i := 0; i < 2; i++ {
		if err := repo.CreateArtifact(ctx, "job-1", models.ArtifactTypeBundle, "https://cdn/b", nil); err != nil {
			t.Fatalf("CreateArtifact bundle: %v", err)
		}
	}

	weights := models.ArtifactTypeWeights
	got, err := repo.GetJobArtifacts(ctx, "job-1", &weights)
	if err != nil {
		t.Fatalf("GetJobArtifacts: %v", err)
	}
	if len(got) != 1 || got[0].URI != "https://cdn/a" {
		t.Fatalf("weights artifacts = %+v", got)
	}

	all, _ := repo.GetJobArtifacts(ctx, "job-1", nil)
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].ID < all[1].ID {
		t.Fatalf("artifacts not ordered newest first: %+v", all)
	}
}

func TestMemoryArtifactRepository_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryArtifactRepository()

	_ = repo.CreateArtifact(ctx, "job-1", models.ArtifactTypeWeights, "u", nil)
	_ = repo.CreateArtifact(ctx, "job-1", models.ArtifactTypeBundle, "b", nil)

	n, err := repo.DeleteJobArtifacts(ctx, "job-1", models.ArtifactTypeWeights)
	if err != nil || n != 1 {
		t.Fatalf("DeleteJobArtifacts = %d, %v; want 1, nil", n, err)
	}
	n, _ = repo.DeleteJobArtifacts(ctx, "job-1", models.ArtifactTypeWeights)
	if n != 0 {
		t.Fatalf("second delete removed %d rows", n)
	}

	all, _ := repo.GetJobArtifacts(ctx, "job-1", nil)
	if len(all) != 1 || all[0].Type != models.ArtifactTypeBundle {
		t.Fatalf("remaining = %+v", all)
	}

	if err := repo.CreateArtifact(ctx, "job-1", models.ArtifactTypeWeights, "u2", nil); err != nil {
		t.Fatalf("CreateArtifact after delete: %v", err)
	}
}

func TestMemoryEventRepository_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryEventRepository()

	reasons := []string{
		models.EventWeightsProcessingStarted,
		models.EventWeightsProcessed,
		models.EventWeightsReset,
	}
	for _, r := range reasons {
		if err := repo.CreateJobEvent(ctx, "job-1", r, nil); err != nil {
			t.Fatalf("CreateJobEvent: %v", err)
		}
	}

	got, err := repo.GetJobEvents(ctx, "job-1", 2)
	if err != nil {
		t.Fatalf("GetJobEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Reason != models.EventWeightsReset || got[1].Reason != models.EventWeightsProcessed {
		t.Fatalf("order = %s, %s", got[0].Reason, got[1].Reason)
	}
}
