// Package artifact streams remote weights archives to disk, extracts them
// and locates the model file inside.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"lora-orchestrator/core/apperrors"
)

// FetchResult describes a completed download.
type FetchResult struct {
	Path  string
	Bytes int64
}

// Fetcher streams a remote resource into a local file without holding the
// body in memory.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher. A nil client falls back to http.DefaultClient.
func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Fetcher{httpClient: httpClient}
}

// Fetch downloads url into destPath, creating parent directories. On a
// mid-stream failure the partial file is left in place for the caller.
func (f *Fetcher) Fetch(ctx context.Context, url, destPath string) (*FetchResult, error) {
	if url == "" {
		return nil, apperrors.Validation("url", "archive url is required")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, apperrors.Internal("create download directory", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, apperrors.Validation("url", fmt.Sprintf("invalid archive url: %v", err))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transport("fetch archive", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Transport("fetch archive", resp.StatusCode, nil)
	}

	file, err := os.Create(destPath)
	if err != nil {
		return nil, apperrors.Internal("create download file", err)
	}
	defer file.Close()

	body := &bodyReader{r: resp.Body}
	written, err := io.Copy(file, body)
	if err != nil {
		if body.err != nil {
			return nil, apperrors.Transport("fetch archive", resp.StatusCode, fmt.Errorf("stream interrupted after %d bytes: %w", written, body.err))
		}
		return nil, apperrors.Internal("write download file", fmt.Errorf("after %d bytes: %w", written, err))
	}

	if err := file.Sync(); err != nil {
		return nil, apperrors.Internal("sync download file", err)
	}

	slog.Debug("Downloaded archive", "bytes", written, "path", destPath)
	return &FetchResult{Path: destPath, Bytes: written}, nil
}

// bodyReader remembers the last read error so a failed copy can be blamed on
// the remote side or on the local disk.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}
