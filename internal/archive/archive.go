package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/xeostudio/project_downloader/internal/logctx"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxHeader covers the tar magic at offset 257.
	maxHeader = 267
)

// Format identifies the archive container of an artifact.
type Format int

const (
	FormatNone Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarBz2
	FormatTarZst
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarBz2:
		return "tar.bz2"
	case FormatTarZst:
		return "tar.zst"
	default:
		return "none"
	}
}

// ExtractionError represents a corrupt or unsupported archive. Any
// partially extracted output has been removed by the time it is returned.
type ExtractionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract %s: %s", e.Path, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

var (
	magicZip  = []byte{0x50, 0x4b, 0x03, 0x04}
	magicGzip = []byte{0x1f, 0x8b}
	magicBz2  = []byte{0x42, 0x5a, 0x68}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicTar  = []byte("ustar")
)

func hasArchiveExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range []string{".zip", ".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.zst", ".tzst"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

// Detect classifies an artifact by its leading bytes, consulting the file
// extension only to corroborate. Extension alone is untrustworthy because
// remote URLs may misstate content type; a magic match wins even when the
// name says otherwise.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatNone, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	header := make([]byte, maxHeader)

	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatNone, fmt.Errorf("failed to read artifact header: %w", err)
	}

	header = header[:n]

	switch {
	case bytes.HasPrefix(header, magicZip):
		return FormatZip, nil
	case bytes.HasPrefix(header, magicGzip):
		return FormatTarGz, nil
	case bytes.HasPrefix(header, magicBz2):
		return FormatTarBz2, nil
	case bytes.HasPrefix(header, magicZstd):
		return FormatTarZst, nil
	case len(header) >= 262 && bytes.Equal(header[257:262], magicTar):
		return FormatTar, nil
	}

	// No magic matched: a lying .zip extension on an HTML error page must
	// not reach a decoder.
	return FormatNone, nil
}

// MaybeExtract detects whether the artifact is an archive and, if so,
// extracts it into a sibling directory named "<artifact>_extracted".
// Extraction is all-or-nothing: output lands in a hidden staging directory
// that is renamed on success and removed wholesale on any failure.
func MaybeExtract(ctx context.Context, path string) (string, bool, error) {
	format, err := Detect(path)
	if err != nil {
		return "", false, &ExtractionError{Path: path, Reason: "unreadable artifact", Err: err}
	}

	if format == FormatNone {
		return "", false, nil
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.Debug("extracting archive", "path", path, "format", format.String(),
		"extension_agrees", hasArchiveExtension(path))

	destDir := extractionDir(path)
	parent := filepath.Dir(path)

	staging, err := os.MkdirTemp(parent, ".extract-")
	if err != nil {
		return "", false, &ExtractionError{Path: path, Reason: "failed to create staging directory", Err: err}
	}

	if err := extract(ctx, format, path, staging); err != nil {
		os.RemoveAll(staging)

		var extractionErr *ExtractionError
		if !errors.As(err, &extractionErr) {
			err = &ExtractionError{Path: path, Reason: "decoder failed", Err: err}
		}

		return "", false, err
	}

	// Replace any previous extraction output atomically.
	if err := os.RemoveAll(destDir); err != nil {
		os.RemoveAll(staging)

		return "", false, &ExtractionError{Path: path, Reason: "failed to clear previous extraction", Err: err}
	}

	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)

		return "", false, &ExtractionError{Path: path, Reason: "failed to finalize extraction", Err: err}
	}

	logger.Info("archive extracted", "path", path, "dir", destDir)

	return destDir, true, nil
}

// extractionDir returns the sibling directory an artifact extracts into.
func extractionDir(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)

	for _, suffix := range []string{".tar.gz", ".tar.bz2", ".tar.zst", ".tgz", ".tbz2", ".tzst", ".zip", ".tar"} {
		if strings.HasSuffix(lower, suffix) {
			base = base[:len(base)-len(suffix)]

			break
		}
	}

	return filepath.Join(filepath.Dir(path), base+"_extracted")
}

func extract(ctx context.Context, format Format, path, destDir string) error {
	if format == FormatZip {
		return extractZip(ctx, path, destDir)
	}

	f, err := os.Open(path)
	if err != nil {
		return &ExtractionError{Path: path, Reason: "failed to open archive", Err: err}
	}
	defer f.Close()

	var stream io.Reader

	switch format {
	case FormatTar:
		stream = f
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &ExtractionError{Path: path, Reason: "corrupt gzip stream", Err: err}
		}
		defer gz.Close()

		stream = gz
	case FormatTarBz2:
		stream = bzip2.NewReader(f)
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return &ExtractionError{Path: path, Reason: "corrupt zstd stream", Err: err}
		}
		defer zr.Close()

		stream = zr
	default:
		return &ExtractionError{Path: path, Reason: "unsupported archive format"}
	}

	return extractTar(ctx, path, stream, destDir)
}

func extractZip(ctx context.Context, path, destDir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return &ExtractionError{Path: path, Reason: "corrupt zip archive", Err: err}
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := securejoin.SecureJoin(destDir, entry.Name)
		if err != nil {
			return &ExtractionError{Path: path, Reason: "unsafe entry path " + entry.Name, Err: err}
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return &ExtractionError{Path: path, Reason: "failed to create directory", Err: err}
			}

			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return &ExtractionError{Path: path, Reason: "corrupt zip entry " + entry.Name, Err: err}
		}

		err = writeEntry(target, rc, entry.Mode())
		rc.Close()

		if err != nil {
			return &ExtractionError{Path: path, Reason: "failed to write entry " + entry.Name, Err: err}
		}
	}

	return nil
}

func extractTar(ctx context.Context, path string, stream io.Reader, destDir string) error {
	tr := tar.NewReader(stream)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return &ExtractionError{Path: path, Reason: "corrupt tar stream", Err: err}
		}

		target, err := securejoin.SecureJoin(destDir, hdr.Name)
		if err != nil {
			return &ExtractionError{Path: path, Reason: "unsafe entry path " + hdr.Name, Err: err}
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirPerm); err != nil {
				return &ExtractionError{Path: path, Reason: "failed to create directory", Err: err}
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return &ExtractionError{Path: path, Reason: "failed to write entry " + hdr.Name, Err: err}
			}
		default:
			// Links and specials are not materialized; the secure join
			// guarantees cannot be kept for them.
			continue
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = filePerm
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
