package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
)

// ImageStore keeps received training images in the uploads directory under
// generated names.
type ImageStore struct {
	uploadsDir string
}

// NewImageStore creates an image store in uploadsDir
func NewImageStore(uploadsDir string) *ImageStore {
	return &ImageStore{uploadsDir: uploadsDir}
}

// Save writes r to a new file named <uuid><ext>, keeping the extension of
// originalName.
func (s *ImageStore) Save(originalName string, r io.Reader) (models.ImageFile, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	filename := uuid.NewString() + ext
	path := filepath.Join(s.uploadsDir, filename)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return models.ImageFile{}, apperrors.Internal("create image file", err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(path)
		return models.ImageFile{}, apperrors.Internal("write image file", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return models.ImageFile{}, apperrors.Internal("close image file", err)
	}

	return models.ImageFile{Filename: filename, Path: path}, nil
}

// Remove deletes saved images, used when a request fails part way.
func (s *ImageStore) Remove(files []models.ImageFile) {
	for _, f := range files {
		os.Remove(filepath.Join(s.uploadsDir, filepath.Base(f.Filename)))
	}
}

// ValidateUploadCount rejects uploads smaller than a training set.
func ValidateUploadCount(n int) error {
	if n < models.MinTrainingImages {
		return apperrors.Validation("images", fmt.Sprintf("at least %d images are required, got %d", models.MinTrainingImages, n))
	}
	return nil
}
