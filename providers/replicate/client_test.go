package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
)

func TestClient_CreateTraining(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/models/ostris/flux-dev-lora-trainer/versions/abc/trainings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer r8_token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"tr1","status":"starting","model":"ostris/flux-dev-lora-trainer","version":"abc"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "r8_token", server.Client())
	job, err := c.CreateTraining(context.Background(), models.TrainingRequest{
		Owner: "ostris", Model: "flux-dev-lora-trainer", Version: "abc",
		Destination: "me/loras",
		Input:       map[string]any{"input_images": "https://bucket/x.zip", "steps": 1000},
	})
	if err != nil {
		t.Fatalf("CreateTraining() error = %v", err)
	}
	if job.ID != "tr1" || job.Status != models.JobStatusPending {
		t.Errorf("job = %+v", job)
	}
	if gotBody["destination"] != "me/loras" {
		t.Errorf("destination = %v", gotBody["destination"])
	}
	input, _ := gotBody["input"].(map[string]any)
	if input["input_images"] != "https://bucket/x.zip" {
		t.Errorf("input = %v", input)
	}
}

func TestClient_GetTraining(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/trainings/tr1":
			w.Write([]byte(`{
				"id": "tr1",
				"status": "succeeded",
				"output": {"weights": "https://replicate.delivery/tr1/trained_model.tar", "version": "me/loras:v2"},
				"created_at": "2024-08-01T10:00:00Z",
				"completed_at": "2024-08-01T10:20:00Z"
			}`))
		case "/v1/trainings/broken":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"detail":"internal failure"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Not found."}`))
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "t", server.Client())

	job, err := c.GetTraining(context.Background(), "tr1")
	if err != nil {
		t.Fatalf("GetTraining() error = %v", err)
	}
	if job.Status != models.JobStatusSucceeded || job.WeightsURL() != "https://replicate.delivery/tr1/trained_model.tar" {
		t.Errorf("job = %+v", job)
	}
	if job.CompletedAt == nil || job.CompletedAt.Sub(*job.CreatedAt) != 20*time.Minute {
		t.Errorf("timestamps not decoded: %+v", job)
	}

	if _, err := c.GetTraining(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("missing training error = %v, want ErrNotFound", err)
	}

	_, err = c.GetTraining(context.Background(), "broken")
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || !errors.Is(err, apperrors.ErrTransport) || appErr.StatusCode != 500 {
		t.Fatalf("broken training error = %v, want transport 500", err)
	}
	if appErr.Error() != "replicate.getTraining: status 500: internal failure" {
		t.Errorf("message = %q", appErr.Error())
	}
}

func TestClient_RunPrediction_Polls(t *testing.T) {
	t.Parallel()
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/predictions":
			if r.Header.Get("Prefer") != "wait" {
				t.Errorf("Prefer = %q", r.Header.Get("Prefer"))
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"p1","status":"processing"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/predictions/p1":
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"id":"p1","status":"processing"}`))
				return
			}
			w.Write([]byte(`{"id":"p1","status":"succeeded","output":["https://replicate.delivery/p1/out-0.png"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "t", server.Client())
	c.pollInterval = 5 * time.Millisecond

	p, err := c.RunPrediction(context.Background(), "v1", map[string]any{"prompt": "x"})
	if err != nil {
		t.Fatalf("RunPrediction() error = %v", err)
	}
	if p.Status != models.JobStatusSucceeded || p.FirstOutputURL() != "https://replicate.delivery/p1/out-0.png" {
		t.Errorf("prediction = %+v", p)
	}
	if polls.Load() != 2 {
		t.Errorf("polls = %d, want 2", polls.Load())
	}
}

func TestClient_TransportFailure(t *testing.T) {
	t.Parallel()
	c := NewClient("http://127.0.0.1:1", "t", nil)
	if _, err := c.GetTraining(context.Background(), "tr1"); !errors.Is(err, apperrors.ErrTransport) {
		t.Fatalf("GetTraining() error = %v, want ErrTransport", err)
	}
}

func TestMapStatus(t *testing.T) {
	t.Parallel()
	tests := map[string]models.JobStatus{
		"starting":   models.JobStatusPending,
		"processing": models.JobStatusRunning,
		"succeeded":  models.JobStatusSucceeded,
		"failed":     models.JobStatusFailed,
		"canceled":   models.JobStatusCanceled,
	}
	for in, want := range tests {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
