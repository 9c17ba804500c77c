package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"
)

const (
	// MinPartSize is the smallest part S3 accepts for all but the last part.
	MinPartSize int64 = 5 << 20
	// DefaultConcurrency is the number of parts in flight.
	DefaultConcurrency = 4

	abortTimeout = 30 * time.Second
)

// S3API is the subset of the S3 client used by ChunkedUploader.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// UploaderOptions configures a ChunkedUploader
type UploaderOptions struct {
	Bucket        string
	Region        string
	PublicBaseURL string // defaults to the bucket's virtual-hosted address
	PartSize      int64  // raised to MinPartSize when smaller
	Concurrency   int
}

// ChunkedUploader publishes blobs to S3 in fixed-size parts uploaded in
// parallel. At most Concurrency parts are held in memory at once.
type ChunkedUploader struct {
	client      S3API
	bucket      string
	baseURL     string
	partSize    int64
	concurrency int
}

// NewChunkedUploader creates a new chunked uploader
func NewChunkedUploader(client S3API, opts UploaderOptions) *ChunkedUploader {
	partSize := opts.PartSize
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	baseURL := opts.PublicBaseURL
	if baseURL == "" {
		baseURL = DefaultPublicBaseURL(opts.Bucket, opts.Region)
	}

	return &ChunkedUploader{
		client:      client,
		bucket:      opts.Bucket,
		baseURL:     baseURL,
		partSize:    partSize,
		concurrency: concurrency,
	}
}

// Put implements storage.BlobStore, logging progress as parts complete.
func (u *ChunkedUploader) Put(ctx context.Context, src storage.Source, key, contentType string) (*models.BlobUploadResult, error) {
	logger := slog.With("key", key)
	return u.Upload(ctx, src, key, contentType, func(percent float64) {
		logger.Info("Upload progress", "percent", fmt.Sprintf("%.1f", percent))
	})
}

// Upload sends src to key and returns its public address. progress, when
// not nil, observes monotonically increasing completion percentages on its
// own goroutine; a slow observer misses intermediate values but never
// delays the upload.
func (u *ChunkedUploader) Upload(ctx context.Context, src storage.Source, key, contentType string, progress storage.ProgressFunc) (*models.BlobUploadResult, error) {
	if key == "" {
		return nil, apperrors.Validation("key", "object key is required")
	}
	if src.Body == nil {
		return nil, apperrors.Validation("source", "upload source is empty")
	}

	reporter := newProgressReporter(progress)
	defer reporter.close()

	first, last, err := u.readPart(src)
	if err != nil {
		return nil, apperrors.Upload(key, fmt.Errorf("read source: %w", err))
	}

	var size int64
	if last {
		size, err = u.putSingle(ctx, first, key, contentType)
	} else {
		size, err = u.putMultipart(ctx, src, first, key, contentType, reporter)
	}
	if err != nil {
		return nil, apperrors.Upload(key, err)
	}

	reporter.report(100)
	slog.Debug("Uploaded object", "bucket", u.bucket, "key", key, "bytes", size)

	return &models.BlobUploadResult{
		URL:  storage.PublicURL(u.baseURL, key),
		Key:  key,
		Size: size,
	}, nil
}

// readPart reads up to one part from src. last reports that the source is
// exhausted.
func (u *ChunkedUploader) readPart(src storage.Source) ([]byte, bool, error) {
	buf := make([]byte, u.partSize)
	n, err := io.ReadFull(src.Body, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], true, nil
	case err != nil:
		return nil, false, err
	}
	return buf, src.Size >= 0 && src.Size <= int64(n), nil
}

func (u *ChunkedUploader) putSingle(ctx context.Context, data []byte, key, contentType string) (int64, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return 0, fmt.Errorf("put object: %w", err)
	}
	return int64(len(data)), nil
}

func (u *ChunkedUploader) putMultipart(ctx context.Context, src storage.Source, first []byte, key, contentType string, reporter *progressReporter) (int64, error) {
	created, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return 0, fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	g, gctx := errgroup.WithContext(ctx)
	slots := make(chan struct{}, u.concurrency)

	var (
		mu        sync.Mutex
		completed []types.CompletedPart
		sent      int64
		readErr   error
	)

	data, last := first, false
	for partNumber := int32(1); ; partNumber++ {
		select {
		case slots <- struct{}{}:
		case <-gctx.Done():
		}
		if gctx.Err() != nil {
			break
		}

		if partNumber > 1 {
			data, last, readErr = u.readPart(src)
			if readErr != nil {
				<-slots
				break
			}
			if len(data) == 0 {
				<-slots
				break
			}
		}

		pn, part := partNumber, data
		g.Go(func() error {
			defer func() { <-slots }()

			out, err := u.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(u.bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(pn),
				Body:          bytes.NewReader(part),
				ContentLength: aws.Int64(int64(len(part))),
			})
			if err != nil {
				return fmt.Errorf("upload part %d: %w", pn, err)
			}

			mu.Lock()
			completed = append(completed, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(pn)})
			sent += int64(len(part))
			done := sent
			mu.Unlock()

			if src.Size > 0 {
				reporter.report(float64(done) / float64(src.Size) * 100)
			}
			return nil
		})

		if last {
			break
		}
	}

	err = g.Wait()
	if err == nil && readErr != nil {
		err = fmt.Errorf("read source: %w", readErr)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		u.abort(ctx, key, uploadID)
		return 0, err
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		u.abort(ctx, key, uploadID)
		return 0, fmt.Errorf("complete multipart upload: %w", err)
	}

	return sent, nil
}

func (u *ChunkedUploader) abort(ctx context.Context, key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		slog.Warn("Failed to abort multipart upload", "key", key, "error", err)
	}
}

// progressReporter hands percentages to an observer through a one-slot
// channel holding only the latest value.
type progressReporter struct {
	mu     sync.Mutex
	ch     chan float64
	last   float64
	closed bool
}

func newProgressReporter(fn storage.ProgressFunc) *progressReporter {
	r := &progressReporter{}
	if fn == nil {
		return r
	}
	r.ch = make(chan float64, 1)
	go func() {
		for p := range r.ch {
			fn(p)
		}
	}()
	return r
}

func (r *progressReporter) report(percent float64) {
	if percent > 100 {
		percent = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch == nil || r.closed || percent <= r.last {
		return
	}
	r.last = percent

	select {
	case r.ch <- percent:
	default:
		// replace the value the observer has not picked up yet
		select {
		case <-r.ch:
		default:
		}
		r.ch <- percent
	}
}

func (r *progressReporter) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil && !r.closed {
		r.closed = true
		close(r.ch)
	}
}
