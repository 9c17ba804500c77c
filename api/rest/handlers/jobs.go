package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/training"
)

const (
	maxRequestBodySize = 1 << 20  // JSON bodies
	maxUploadMemory    = 32 << 20 // multipart parts beyond this spill to disk
	defaultEventLimit  = 100
	maxEventLimit      = 1000
)

// StatusChecker answers training status checks and owns the weights ledger.
type StatusChecker interface {
	CheckStatus(ctx context.Context, jobID string) (*models.TrainingJob, error)
	Reset(ctx context.Context, jobID string) (bool, error)
	Events(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)
}

// Trainer submits trainings.
type Trainer interface {
	StartTraining(ctx context.Context, req models.StartTrainingRequest) (*models.TrainingJob, error)
}

// Previewer generates preview images.
type Previewer interface {
	Generate(ctx context.Context, req models.PreviewRequest) (*models.PreviewResult, error)
}

// ImageSaver stores received training images.
type ImageSaver interface {
	Save(originalName string, r io.Reader) (models.ImageFile, error)
	Remove(files []models.ImageFile)
}

// JobHandler handles training-related HTTP requests
type JobHandler struct {
	status  StatusChecker
	trainer Trainer
	preview Previewer
	images  ImageSaver
}

// NewJobHandler creates a new job handler
func NewJobHandler(status StatusChecker, trainer Trainer, preview Previewer, images ImageSaver) *JobHandler {
	return &JobHandler{
		status:  status,
		trainer: trainer,
		preview: preview,
		images:  images,
	}
}

// UploadImagesResponse lists the stored images of an upload.
type UploadImagesResponse struct {
	Files []models.ImageFile `json:"files"`
}

// UploadImages handles POST /api/upload-images
func (h *JobHandler) UploadImages(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["images"]
	if err := training.ValidateUploadCount(len(headers)); err != nil {
		handleError(w, r, "Not enough images", err)
		return
	}

	saved := make([]models.ImageFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.images.Remove(saved)
			handleError(w, r, "Failed to upload images", apperrors.Internal("open upload part", err))
			return
		}
		img, err := h.images.Save(fh.Filename, f)
		f.Close()
		if err != nil {
			h.images.Remove(saved)
			handleError(w, r, "Failed to upload images", err)
			return
		}
		saved = append(saved, img)
	}

	writeJSON(w, http.StatusOK, UploadImagesResponse{Files: saved})
}

// StartTraining handles POST /api/start-training
func (h *JobHandler) StartTraining(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req models.StartTrainingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	job, err := h.trainer.StartTraining(r.Context(), req)
	if err != nil {
		handleError(w, r, "Failed to start training", err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// CheckStatus handles GET /api/check-training-status/{id}
func (h *JobHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := h.status.CheckStatus(r.Context(), jobID)
	if err != nil {
		handleError(w, r, "Failed to check training status", err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ResetWeights handles DELETE /api/check-training-status/{id}/weights
func (h *JobHandler) ResetWeights(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	removed, err := h.status.Reset(r.Context(), jobID)
	if err != nil {
		handleError(w, r, "Failed to reset weights", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    jobID,
		"reset": removed,
	})
}

// GetJobEvents handles GET /api/check-training-status/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	limit := defaultEventLimit
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit", "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
			return
		}
		limit = n
	}

	events, err := h.status.Events(r.Context(), jobID, limit)
	if err != nil {
		handleError(w, r, "Failed to fetch events", err)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":     event.At.UTC().Format(time.RFC3339Nano),
			"reason": event.Reason,
		}
		if len(event.MetaJSON) > 0 {
			item["meta"] = event.MetaJSON
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// GenerateImage handles POST /api/generate-image
func (h *JobHandler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req models.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	result, err := h.preview.Generate(r.Context(), req)
	if err != nil {
		handleError(w, r, "Failed to generate image", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
