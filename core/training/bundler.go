// Package training prepares image sets, submits trainings and generates
// preview images.
package training

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"

	"lora-orchestrator/core/apperrors"
	"lora-orchestrator/core/models"
)

// Bundle is a zip archive of training images on local disk.
type Bundle struct {
	Name   string
	Path   string
	Images int
}

// Bundler packs uploaded images from the uploads directory into a zip.
type Bundler struct {
	uploadsDir string
	now        func() time.Time
}

// NewBundler creates a bundler reading and writing in uploadsDir
func NewBundler(uploadsDir string) *Bundler {
	return &Bundler{uploadsDir: uploadsDir, now: time.Now}
}

// Bundle writes every image of set into training_<unix-millis>.zip. Sets
// smaller than models.MinTrainingImages and missing files are rejected
// before anything is written.
func (b *Bundler) Bundle(set models.TrainingImageSet) (*Bundle, error) {
	if err := ValidateImageSet(set); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(set))
	for _, img := range set {
		path := b.imagePath(img)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil, apperrors.Validation("imageFiles", fmt.Sprintf("image %s not found", filepath.Base(img.Filename)))
		}
		paths = append(paths, path)
	}

	name := fmt.Sprintf("training_%d.zip", b.now().UnixMilli())
	zipPath := filepath.Join(b.uploadsDir, name)

	if err := writeZip(zipPath, paths); err != nil {
		os.Remove(zipPath)
		return nil, apperrors.Internal("create image bundle", err)
	}

	slog.Info("Created image bundle", "path", zipPath, "images", len(paths))
	return &Bundle{Name: name, Path: zipPath, Images: len(paths)}, nil
}

// RemoveImages deletes the source images of set from the uploads directory.
func (b *Bundler) RemoveImages(set models.TrainingImageSet) {
	for _, img := range set {
		if err := os.Remove(b.imagePath(img)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove uploaded image", "filename", img.Filename, "error", err)
		}
	}
}

// imagePath resolves an image by base name only, so client-supplied names
// cannot point outside the uploads directory.
func (b *Bundler) imagePath(img models.ImageFile) string {
	return filepath.Join(b.uploadsDir, filepath.Base(img.Filename))
}

// ValidateImageSet checks the minimum image count.
func ValidateImageSet(set models.TrainingImageSet) error {
	if len(set) < models.MinTrainingImages {
		return apperrors.Validation("imageFiles", fmt.Sprintf(
			"at least %d images are required, got %d", models.MinTrainingImages, len(set)))
	}
	for _, img := range set {
		base := filepath.Base(img.Filename)
		if img.Filename == "" || base == "." || base == ".." || base == string(filepath.Separator) {
			return apperrors.Validation("imageFiles", "image filename is required")
		}
	}
	return nil
}

func writeZip(zipPath string, paths []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, path := range paths {
		if err := addFile(zw, path); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Sync()
}

func addFile(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
