// Package replicate is a client for the Replicate training and prediction API.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
)

const (
	DefaultBaseURL = "https://api.replicate.com"

	defaultPollInterval = time.Second
	maxErrorBody        = 4 << 10
)

// Client talks to the Replicate HTTP API
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewClient creates a new Replicate client. An empty baseURL uses the public API.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   httpClient,
		pollInterval: defaultPollInterval,
	}
}

type trainingPayload struct {
	ID          string            `json:"id"`
	Model       string            `json:"model"`
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	Input       map[string]any    `json:"input"`
	Output      *trainingOutput   `json:"output"`
	Error       any               `json:"error"`
	Logs        string            `json:"logs"`
	URLs        map[string]string `json:"urls"`
	CreatedAt   *time.Time        `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at"`
}

type trainingOutput struct {
	Weights string `json:"weights"`
	Version string `json:"version"`
}

type predictionPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  any    `json:"error"`
}

// CreateTraining submits a training of req.Version of req.Owner/req.Model.
func (c *Client) CreateTraining(ctx context.Context, req models.TrainingRequest) (*models.TrainingJob, error) {
	path := fmt.Sprintf("/v1/models/%s/%s/versions/%s/trainings",
		url.PathEscape(req.Owner), url.PathEscape(req.Model), url.PathEscape(req.Version))

	body := map[string]any{
		"destination": req.Destination,
		"input":       req.Input,
	}

	var payload trainingPayload
	if err := c.do(ctx, "replicate.createTraining", http.MethodPost, path, body, nil, &payload); err != nil {
		return nil, err
	}
	return payload.toJob(), nil
}

// GetTraining fetches the current state of a training.
func (c *Client) GetTraining(ctx context.Context, id string) (*models.TrainingJob, error) {
	var payload trainingPayload
	err := c.do(ctx, "replicate.getTraining", http.MethodGet, "/v1/trainings/"+url.PathEscape(id), nil, nil, &payload)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, apperrors.NotFound("training", id)
		}
		return nil, err
	}
	return payload.toJob(), nil
}

// RunPrediction runs version on input and waits until the prediction
// reaches a terminal status or ctx is done.
func (c *Client) RunPrediction(ctx context.Context, version string, input map[string]any) (*models.Prediction, error) {
	body := map[string]any{
		"version": version,
		"input":   input,
	}
	headers := map[string]string{"Prefer": "wait"}

	var payload predictionPayload
	if err := c.do(ctx, "replicate.createPrediction", http.MethodPost, "/v1/predictions", body, headers, &payload); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for !mapStatus(payload.Status).IsTerminal() {
		slog.Debug("Waiting for prediction", "predictionId", payload.ID, "status", payload.Status)
		select {
		case <-ctx.Done():
			return nil, apperrors.Transport("replicate.getPrediction", 0, ctx.Err())
		case <-ticker.C:
		}

		id := payload.ID
		payload = predictionPayload{}
		if err := c.do(ctx, "replicate.getPrediction", http.MethodGet, "/v1/predictions/"+url.PathEscape(id), nil, nil, &payload); err != nil {
			return nil, err
		}
	}

	return &models.Prediction{
		ID:     payload.ID,
		Status: mapStatus(payload.Status),
		Output: payload.Output,
		Error:  errorText(payload.Error),
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperrors.Internal(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transport(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.Transport(op, resp.StatusCode, remoteError(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Transport(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// remoteError extracts the API's error detail, if any.
func remoteError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var problem struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if json.Unmarshal(data, &problem) == nil && (problem.Detail != "" || problem.Title != "") {
		if problem.Detail != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, problem.Detail)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, problem.Title)
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, text)
	}
	return fmt.Errorf("remote responded with status %d", resp.StatusCode)
}

func isStatus(err error, code int) bool {
	var appErr *apperrors.Error
	return errors.As(err, &appErr) && appErr.StatusCode == code
}

func (p *trainingPayload) toJob() *models.TrainingJob {
	job := &models.TrainingJob{
		ID:          p.ID,
		Model:       p.Model,
		Version:     p.Version,
		Status:      mapStatus(p.Status),
		Input:       p.Input,
		Error:       errorText(p.Error),
		Logs:        p.Logs,
		URLs:        p.URLs,
		CreatedAt:   p.CreatedAt,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
	if p.Output != nil {
		job.Output = &models.TrainingOutput{Weights: p.Output.Weights, Version: p.Output.Version}
	}
	return job
}

// mapStatus converts Replicate's status vocabulary to JobStatus.
func mapStatus(status string) models.JobStatus {
	switch status {
	case "starting":
		return models.JobStatusPending
	case "processing":
		return models.JobStatusRunning
	case "succeeded":
		return models.JobStatusSucceeded
	case "failed":
		return models.JobStatusFailed
	case "canceled":
		return models.JobStatusCanceled
	default:
		return models.JobStatus(status)
	}
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}
