// Package minio stores training image bundles in an S3-compatible object
// store through minio-go.
package minio

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

// ObjectPutter is the subset of *minio.Client used by BundleStore.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// NewClient creates a minio client with static credentials.
func NewClient(endpoint, accessKeyID, secretKey string, secure bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

// DefaultPublicBaseURL is the path-style address of a bucket on endpoint.
func DefaultPublicBaseURL(endpoint, bucket string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket)
}

// BundleStore uploads whole objects with a single PutObject call. minio-go
// splits large streams into parts on its own.
type BundleStore struct {
	client  ObjectPutter
	bucket  string
	baseURL string
}

// NewBundleStore creates a bundle store writing to bucket.
func NewBundleStore(client ObjectPutter, bucket, publicBaseURL string) *BundleStore {
	return &BundleStore{
		client:  client,
		bucket:  bucket,
		baseURL: publicBaseURL,
	}
}

// Put implements storage.BlobStore.
func (s *BundleStore) Put(ctx context.Context, src storage.Source, key, contentType string) (*models.BlobUploadResult, error) {
	if s.client == nil {
		return nil, apperrors.Upload(key, fmt.Errorf("minio client not initialized"))
	}
	if src.Body == nil {
		return nil, apperrors.Validation("source", "upload source is empty")
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, src.Body, src.Size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, apperrors.Upload(key, fmt.Errorf("minio put object: %w", err))
	}

	slog.Debug("Uploaded bundle", "bucket", s.bucket, "key", key, "bytes", info.Size)
	return &models.BlobUploadResult{
		URL:  storage.PublicURL(s.baseURL, key),
		Key:  key,
		Size: info.Size,
	}, nil
}
