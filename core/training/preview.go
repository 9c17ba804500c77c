package training

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/spec"
)

const maxPreviewBytes = 32 << 20

// PreviewGenerator renders sample images with the preview model, optionally
// applying published LoRA weights.
type PreviewGenerator struct {
	jobs       JobService
	presets    *spec.TrainerSpec
	httpClient *http.Client
}

// NewPreviewGenerator creates a preview generator. A nil client falls back
// to http.DefaultClient.
func NewPreviewGenerator(jobs JobService, presets *spec.TrainerSpec, httpClient *http.Client) *PreviewGenerator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &PreviewGenerator{jobs: jobs, presets: presets, httpClient: httpClient}
}

// Generate runs the preview model and returns the image both by URL and
// inlined as a data URL.
func (g *PreviewGenerator) Generate(ctx context.Context, req models.PreviewRequest) (*models.PreviewResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, apperrors.Validation("prompt", "prompt is required")
	}

	input := make(map[string]any, len(g.presets.Preview.Input)+2)
	for k, v := range g.presets.Preview.Input {
		input[k] = v
	}
	input["prompt"] = req.Prompt
	input["extra_lora"] = req.ExtraLora

	slog.Info("Generating preview image", "extraLora", req.ExtraLora != "")

	prediction, err := g.jobs.RunPrediction(ctx, g.presets.Preview.Version, input)
	if err != nil {
		return nil, err
	}
	if prediction.Status == models.JobStatusFailed || prediction.Status == models.JobStatusCanceled {
		return nil, apperrors.Transport("preview prediction", 0, fmt.Errorf("prediction %s %s: %s", prediction.ID, prediction.Status, prediction.Error))
	}

	imageURL := prediction.FirstOutputURL()
	if imageURL == "" {
		return nil, apperrors.Transport("preview prediction", 0, fmt.Errorf("prediction %s returned no image", prediction.ID))
	}

	data, contentType, err := g.download(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	return &models.PreviewResult{
		ImageURL:    imageURL,
		Base64Image: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (g *PreviewGenerator) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, "", apperrors.Transport("fetch preview image", 0, err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", apperrors.Transport("fetch preview image", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.Transport("fetch preview image", resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPreviewBytes+1))
	if err != nil {
		return nil, "", apperrors.Transport("fetch preview image", resp.StatusCode, err)
	}
	if len(data) > maxPreviewBytes {
		return nil, "", apperrors.Transport("fetch preview image", resp.StatusCode, fmt.Errorf("image exceeds %d bytes", maxPreviewBytes))
	}

	contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	contentType = strings.TrimSpace(contentType)
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/webp"
	}
	return data, contentType, nil
}
