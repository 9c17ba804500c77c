package artifact

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"lora-orchestrator/core/apperrors"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Extractor unpacks tar and gzip-compressed tar archives.
type Extractor struct{}

// NewExtractor creates an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract unpacks archivePath into destDir. Compression is detected from the
// leading bytes. Entries that would land outside destDir, links and device
// nodes are rejected.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return apperrors.Extraction("open archive", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	var r io.Reader = br

	magic, _ := br.Peek(len(gzipMagic))
	if len(magic) == len(gzipMagic) && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gzReader, err := gzip.NewReader(br)
		if err != nil {
			return apperrors.Extraction("open gzip stream", err)
		}
		defer gzReader.Close()
		r = gzReader
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return apperrors.Internal("create extraction directory", err)
	}

	tarReader := tar.NewReader(r)
	files := 0

	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Extraction("extract archive", err)
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apperrors.Extraction("read tar header", err)
		}

		if header.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		targetPath, err := entryPath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return apperrors.Internal("create directory", err)
			}

		case tar.TypeReg:
			if err := writeEntry(targetPath, tarReader); err != nil {
				return err
			}
			files++

		case tar.TypeSymlink, tar.TypeLink, tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			return apperrors.Extraction("extract archive", fmt.Errorf("unsupported entry type %q for %s", header.Typeflag, header.Name))

		default:
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
		}
	}

	slog.Debug("Extracted archive", "src", archivePath, "dest", destDir, "files", files)
	return nil
}

// entryPath resolves an archive entry name below destDir.
func entryPath(destDir, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", apperrors.Extraction("extract archive", fmt.Errorf("invalid path in archive: %q", name))
	}

	cleanName := filepath.Clean(filepath.FromSlash(name))
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", apperrors.Extraction("extract archive", fmt.Errorf("invalid path in archive: %q", name))
	}

	targetPath := filepath.Join(destDir, cleanName)
	rel, err := filepath.Rel(destDir, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.Extraction("extract archive", fmt.Errorf("invalid path in archive: %q", name))
	}
	return targetPath, nil
}

func writeEntry(targetPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return apperrors.Internal("create parent directory", err)
	}

	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.Internal("create file", err)
	}

	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return apperrors.Extraction("extract file", err)
	}
	if err := outFile.Close(); err != nil {
		return apperrors.Internal("close file", err)
	}
	return nil
}
