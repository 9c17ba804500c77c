package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

// MemoryArtifactRepository keeps artifacts in process memory. It backs
// single-instance deployments without DATABASE_URL.
type MemoryArtifactRepository struct {
	mu        sync.RWMutex
	nextID    int64
	artifacts map[string][]models.JobArtifact
}

// NewMemoryArtifactRepository creates an empty in-memory artifact repository
func NewMemoryArtifactRepository() *MemoryArtifactRepository {
	return &MemoryArtifactRepository{artifacts: make(map[string][]models.JobArtifact)}
}

// GetJobArtifacts retrieves artifacts for a job, newest first
func (r *MemoryArtifactRepository) GetJobArtifacts(_ context.Context, jobID string, artifactType *models.ArtifactType) ([]models.JobArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.JobArtifact
	for _, a := range r.artifacts[jobID] {
		if artifactType != nil && a.Type != *artifactType {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// CreateArtifact stores an artifact. A second weights artifact for the same
// job returns storage.ErrAlreadyRecorded.
func (r *MemoryArtifactRepository) CreateArtifact(_ context.Context, jobID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if artifactType == models.ArtifactTypeWeights {
		for _, a := range r.artifacts[jobID] {
			if a.Type == models.ArtifactTypeWeights {
				return storage.ErrAlreadyRecorded
			}
		}
	}

	r.nextID++
	r.artifacts[jobID] = append(r.artifacts[jobID], models.JobArtifact{
		ID:        r.nextID,
		JobID:     jobID,
		Type:      artifactType,
		URI:       uri,
		CreatedAt: time.Now(),
		MetaJSON:  meta,
	})
	return nil
}

// DeleteJobArtifacts removes the artifacts of one type for a job
func (r *MemoryArtifactRepository) DeleteJobArtifacts(_ context.Context, jobID string, artifactType models.ArtifactType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.artifacts[jobID][:0]
	var removed int64
	for _, a := range r.artifacts[jobID] {
		if a.Type == artifactType {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	if len(kept) == 0 {
		delete(r.artifacts, jobID)
	} else {
		r.artifacts[jobID] = kept
	}
	return removed, nil
}

// MemoryEventRepository keeps job events in process memory.
type MemoryEventRepository struct {
	mu     sync.RWMutex
	nextID int64
	events map[string][]models.JobEvent
}

// NewMemoryEventRepository creates an empty in-memory event repository
func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{events: make(map[string][]models.JobEvent)}
}

// CreateJobEvent appends an event for a job
func (r *MemoryEventRepository) CreateJobEvent(_ context.Context, jobID, reason string, meta map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.events[jobID] = append(r.events[jobID], models.JobEvent{
		ID:       r.nextID,
		JobID:    jobID,
		At:       time.Now(),
		Reason:   reason,
		MetaJSON: meta,
	})
	return nil
}

// GetJobEvents retrieves events for a job, newest first
func (r *MemoryEventRepository) GetJobEvents(_ context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.events[jobID]
	out := make([]models.JobEvent, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, stored[i])
	}
	return out, nil
}
