package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
)

type fakeStatus struct {
	job      *models.TrainingJob
	err      error
	removed  bool
	events   []models.JobEvent
	gotLimit int
}

func (f *fakeStatus) CheckStatus(_ context.Context, jobID string) (*models.TrainingJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	job := *f.job
	job.ID = jobID
	return &job, nil
}

func (f *fakeStatus) Reset(_ context.Context, _ string) (bool, error) {
	return f.removed, f.err
}

func (f *fakeStatus) Events(_ context.Context, _ string, limit int) ([]models.JobEvent, error) {
	f.gotLimit = limit
	return f.events, f.err
}

type fakeTrainer struct {
	got models.StartTrainingRequest
	err error
}

func (f *fakeTrainer) StartTraining(_ context.Context, req models.StartTrainingRequest) (*models.TrainingJob, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.TrainingJob{ID: "tr_1", Status: models.JobStatusPending}, nil
}

type fakePreview struct{ err error }

func (f *fakePreview) Generate(_ context.Context, req models.PreviewRequest) (*models.PreviewResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.PreviewResult{ImageURL: "https://cdn.example/" + req.Prompt, Base64Image: "data:image/png;base64,AA=="}, nil
}

type fakeImages struct {
	saved   []string
	removed []models.ImageFile
	failAt  int
}

func (f *fakeImages) Save(originalName string, r io.Reader) (models.ImageFile, error) {
	if f.failAt > 0 && len(f.saved)+1 == f.failAt {
		return models.ImageFile{}, apperrors.Internal("write image file", errors.New("disk full"))
	}
	io.Copy(io.Discard, r)
	f.saved = append(f.saved, originalName)
	name := fmt.Sprintf("img-%d.png", len(f.saved))
	return models.ImageFile{Filename: name, Path: "uploads/" + name}, nil
}

func (f *fakeImages) Remove(files []models.ImageFile) {
	f.removed = append(f.removed, files...)
}

func withID(r *http.Request, id string) *http.Request {
	return mux.SetURLVars(r, map[string]string{"id": id})
}

func decodeError(t *testing.T, body io.Reader) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func multipartImages(t *testing.T, n int) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for i := 0; i < n; i++ {
		part, err := mw.CreateFormFile("images", fmt.Sprintf("photo%d.PNG", i))
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte("png-bytes"))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return body, mw.FormDataContentType()
}

func TestJobHandler_CheckStatus(t *testing.T) {
	t.Parallel()
	status := &fakeStatus{job: &models.TrainingJob{
		Status:           models.JobStatusSucceeded,
		ProcessedWeights: true,
		ModelURL:         "https://loras.s3.us-east-1.amazonaws.com/models/abc/lora.safetensors",
	}}
	h := NewJobHandler(status, nil, nil, nil)

	req := withID(httptest.NewRequest(http.MethodGet, "/api/check-training-status/abc", nil), "abc")
	w := httptest.NewRecorder()
	h.CheckStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var job models.TrainingJob
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "abc" || !job.ProcessedWeights || job.ModelURL == "" {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestJobHandler_CheckStatus_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid id", apperrors.Validation("id", "invalid training id"), http.StatusBadRequest},
		{"unknown job", apperrors.NotFound("training", "abc"), http.StatusNotFound},
		{"remote failure", apperrors.Transport("replicate.getTraining", 503, errors.New("unavailable")), http.StatusBadGateway},
		{"ledger failure", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewJobHandler(&fakeStatus{err: tt.err}, nil, nil, nil)
			w := httptest.NewRecorder()
			h.CheckStatus(w, withID(httptest.NewRequest(http.MethodGet, "/", nil), "abc"))

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
			resp := decodeError(t, w.Body)
			if resp.Error == "" || resp.Details != tt.err.Error() {
				t.Errorf("unexpected error body %+v", resp)
			}
		})
	}
}

func TestJobHandler_UploadImages(t *testing.T) {
	t.Parallel()
	images := &fakeImages{}
	h := NewJobHandler(nil, nil, nil, images)

	body, ctype := multipartImages(t, 5)
	req := httptest.NewRequest(http.MethodPost, "/api/upload-images", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	h.UploadImages(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp UploadImagesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Files) != 5 || len(images.saved) != 5 {
		t.Errorf("expected 5 stored files, got %d (saved %d)", len(resp.Files), len(images.saved))
	}
	if images.saved[0] != "photo0.PNG" {
		t.Errorf("original name not passed through: %q", images.saved[0])
	}
}

func TestJobHandler_UploadImages_TooFew(t *testing.T) {
	t.Parallel()
	images := &fakeImages{}
	h := NewJobHandler(nil, nil, nil, images)

	body, ctype := multipartImages(t, 4)
	req := httptest.NewRequest(http.MethodPost, "/api/upload-images", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	h.UploadImages(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if len(images.saved) != 0 {
		t.Errorf("no image should be stored, got %d", len(images.saved))
	}
	if resp := decodeError(t, w.Body); !strings.Contains(resp.Details, "at least 5") {
		t.Errorf("unexpected details %q", resp.Details)
	}
}

func TestJobHandler_UploadImages_SaveFailureRemovesSaved(t *testing.T) {
	t.Parallel()
	images := &fakeImages{failAt: 3}
	h := NewJobHandler(nil, nil, nil, images)

	body, ctype := multipartImages(t, 5)
	req := httptest.NewRequest(http.MethodPost, "/api/upload-images", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	h.UploadImages(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if len(images.removed) != 2 {
		t.Errorf("expected the 2 saved images to be removed, got %d", len(images.removed))
	}
}

func TestJobHandler_UploadImages_NotMultipart(t *testing.T) {
	t.Parallel()
	h := NewJobHandler(nil, nil, nil, &fakeImages{})

	req := httptest.NewRequest(http.MethodPost, "/api/upload-images", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.UploadImages(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestJobHandler_StartTraining(t *testing.T) {
	t.Parallel()
	trainer := &fakeTrainer{}
	h := NewJobHandler(nil, trainer, nil, nil)

	body := `{"steps":1000,"triggerWord":"TOK","imageFiles":[{"filename":"a.png"},{"filename":"b.png"}]}`
	w := httptest.NewRecorder()
	h.StartTraining(w, httptest.NewRequest(http.MethodPost, "/api/start-training", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if trainer.got.Steps != models.IntOf(1000) || trainer.got.TriggerWord != "TOK" || len(trainer.got.ImageFiles) != 2 {
		t.Errorf("request not decoded: %+v", trainer.got)
	}
}

func TestJobHandler_StartTraining_StringParams(t *testing.T) {
	t.Parallel()
	trainer := &fakeTrainer{}
	h := NewJobHandler(nil, trainer, nil, nil)

	body := `{"steps":"1000","loraRank":"16","batchSize":"1","learningRate":"0.0004",` +
		`"wandbSaveInterval":"100","captionDropoutRate":"0","wandbSampleInterval":"100",` +
		`"imageFiles":[{"filename":"1.png"},{"filename":"2.png"},{"filename":"3.png"},{"filename":"4.png"},{"filename":"5.png"}]}`
	w := httptest.NewRecorder()
	h.StartTraining(w, httptest.NewRequest(http.MethodPost, "/api/start-training", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	got := trainer.got
	if got.Steps != models.IntOf(1000) || got.LoraRank != models.IntOf(16) || got.BatchSize != models.IntOf(1) {
		t.Errorf("integer params not decoded: %+v", got.TrainingParams)
	}
	if got.LearningRate != models.FloatOf(0.0004) || got.CaptionDropoutRate != models.FloatOf(0) {
		t.Errorf("float params not decoded: %+v", got.TrainingParams)
	}
	if got.WandbSaveInterval != models.IntOf(100) || got.WandbSampleInterval != models.IntOf(100) {
		t.Errorf("interval params not decoded: %+v", got.TrainingParams)
	}
	if len(got.ImageFiles) != 5 {
		t.Errorf("imageFiles = %d, want 5", len(got.ImageFiles))
	}
}

func TestJobHandler_StartTraining_Errors(t *testing.T) {
	t.Parallel()

	h := NewJobHandler(nil, &fakeTrainer{}, nil, nil)
	w := httptest.NewRecorder()
	h.StartTraining(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("invalid json")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json: expected %d, got %d", http.StatusBadRequest, w.Code)
	}

	h = NewJobHandler(nil, &fakeTrainer{err: apperrors.Validation("imageFiles", "at least 5 images are required, got 4")}, nil, nil)
	w = httptest.NewRecorder()
	h.StartTraining(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"imageFiles":[]}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("validation: expected %d, got %d", http.StatusBadRequest, w.Code)
	}

	h = NewJobHandler(nil, &fakeTrainer{err: apperrors.Upload("training-data/x.zip", errors.New("denied"))}, nil, nil)
	w = httptest.NewRecorder()
	h.StartTraining(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"imageFiles":[]}`)))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("upload failure: expected %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestJobHandler_ResetWeights(t *testing.T) {
	t.Parallel()
	h := NewJobHandler(&fakeStatus{removed: true}, nil, nil, nil)

	w := httptest.NewRecorder()
	h.ResetWeights(w, withID(httptest.NewRequest(http.MethodDelete, "/", nil), "abc"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["id"] != "abc" || resp["reset"] != true {
		t.Errorf("unexpected response %v", resp)
	}
}

func TestJobHandler_GetJobEvents(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status := &fakeStatus{events: []models.JobEvent{
		{JobID: "abc", At: at, Reason: models.EventWeightsProcessed, MetaJSON: map[string]interface{}{"key": "models/abc/lora.safetensors"}},
		{JobID: "abc", At: at.Add(-time.Minute), Reason: models.EventWeightsProcessingStarted},
	}}
	h := NewJobHandler(status, nil, nil, nil)

	w := httptest.NewRecorder()
	h.GetJobEvents(w, withID(httptest.NewRequest(http.MethodGet, "/?limit=10", nil), "abc"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if status.gotLimit != 10 {
		t.Errorf("limit = %d, want 10", status.gotLimit)
	}
	var resp struct {
		Items []map[string]interface{} `json:"items"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Items) != 2 || resp.Items[0]["reason"] != models.EventWeightsProcessed {
		t.Fatalf("unexpected items %v", resp.Items)
	}
	if _, ok := resp.Items[1]["meta"]; ok {
		t.Error("empty meta should be omitted")
	}

	w = httptest.NewRecorder()
	h.GetJobEvents(w, withID(httptest.NewRequest(http.MethodGet, "/?limit=0", nil), "abc"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: expected %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestJobHandler_GenerateImage(t *testing.T) {
	t.Parallel()
	h := NewJobHandler(nil, nil, &fakePreview{}, nil)

	w := httptest.NewRecorder()
	h.GenerateImage(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"robovan"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var result models.PreviewResult
	json.NewDecoder(w.Body).Decode(&result)
	if result.ImageURL != "https://cdn.example/robovan" {
		t.Errorf("unexpected result %+v", result)
	}

	h = NewJobHandler(nil, nil, &fakePreview{err: apperrors.Transport("replicate.runPrediction", 0, errors.New("timeout"))}, nil)
	w = httptest.NewRecorder()
	h.GenerateImage(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prompt":"robovan"}`)))
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status %d, got %d", http.StatusBadGateway, w.Code)
	}
}
