// Package storage defines the blob store abstraction shared by the weights
// and bundle backends, and the processed-weights bookkeeping built on the
// artifact repository.
package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"lora-orchestrator/core/models"
)

// Source is the content of a blob upload: either an in-memory buffer or a
// stream of known size. Size is -1 when unknown.
type Source struct {
	Body io.Reader
	Size int64
}

// BytesSource wraps a buffer that is already fully in memory.
func BytesSource(b []byte) Source {
	return Source{Body: bytes.NewReader(b), Size: int64(len(b))}
}

// ReaderSource wraps a stream so it is uploaded without being buffered whole.
func ReaderSource(r io.Reader, size int64) Source {
	return Source{Body: r, Size: size}
}

// ProgressFunc receives the upload completion percentage (0-100).
type ProgressFunc func(percent float64)

// BlobStore uploads content under a key and returns its public address.
type BlobStore interface {
	Put(ctx context.Context, src Source, key, contentType string) (*models.BlobUploadResult, error)
}

// PublicURL joins a public base URL and an object key, escaping each key segment.
func PublicURL(baseURL, key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.Join(segments, "/")
}
