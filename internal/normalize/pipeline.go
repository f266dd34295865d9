// Package normalize re-validates a staged artifact chunk by chunk and
// produces the normalized working copy that gets promoted.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"mediavault/internal/errors"
	"mediavault/internal/validate"
)

// Metadata is the derived, read-only record of a processed upload. The
// original filename is sanitized for logging only and is never used for
// path construction.
type Metadata struct {
	MIME             string
	Extension        string
	SHA256           string
	SHA1             string
	SizeBytes        int64
	Width            int
	Height           int
	OriginalFilename string
}

// Result of one pipeline invocation. Path points at the normalized working
// file on the pipeline's filesystem; the caller owns uploading and removing it.
type Result struct {
	Path string
	Size int64
	Meta Metadata
}

// Pipeline drives: lock source (shared) -> validate -> analyze -> unlock ->
// re-hash -> normalize -> re-validate normalized copy -> final metadata.
type Pipeline struct {
	fs        afero.Fs
	imageProc ImageProcessor
	logger    *slog.Logger
}

func NewPipeline(fs afero.Fs, imageProc ImageProcessor, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		fs:        fs,
		imageProc: imageProc,
		logger:    logger.With(slog.String("component", "normalize_pipeline")),
	}
}

// Fs exposes the pipeline's working filesystem so the caller can stage
// sources onto it and collect the normalized result from it.
func (p *Pipeline) Fs() afero.Fs { return p.fs }

// Process validates and normalizes the working file at srcPath.
// Any partially written output is removed on every failure path.
func (p *Pipeline) Process(ctx context.Context, srcPath, originalFilename string, c validate.Constraints, correlationID string) (*Result, error) {
	src, err := p.fs.Open(srcPath)
	if err != nil {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "open_failed",
			"Working file could not be opened", err)
	}
	defer src.Close()

	// The shared lock narrows (not closes) the check-then-use window while
	// the validation pass runs. The hash comparison below is the byte-level
	// integrity check on top of it.
	unlock, err := lockShared(src)
	if err != nil {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "lock_failed",
			"Working file could not be locked", err)
	}

	checked, err := validate.Validate(src, c)
	unlock()
	if err != nil {
		return nil, err
	}

	// Re-hash outside the lock; a mismatch means the source changed while
	// we were looking at it.
	afterHash, err := p.hashFile(srcPath)
	if err != nil {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "rehash_failed",
			"Working file could not be re-read", err)
	}
	if afterHash != checked.SHA256 {
		return nil, errors.NewReason(errors.ErrValidationFailed, "content_changed",
			"File content changed during processing", nil)
	}

	dstPath := srcPath + ".normalized"
	result, err := p.normalize(ctx, srcPath, dstPath, checked, c)
	if err != nil {
		_ = p.fs.Remove(dstPath)
		return nil, err
	}
	result.Meta.OriginalFilename = originalFilename

	p.logger.InfoContext(ctx, "Artifact normalized",
		"correlation_id", correlationID,
		"mime", result.Meta.MIME,
		"size", result.Size,
	)
	return result, nil
}

func (p *Pipeline) normalize(ctx context.Context, srcPath, dstPath string, checked *validate.Result, c validate.Constraints) (*Result, error) {
	src, err := p.fs.Open(srcPath)
	if err != nil {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "open_failed",
			"Working file could not be opened", err)
	}
	defer src.Close()

	dst, err := p.fs.Create(dstPath)
	if err != nil {
		return nil, errors.New(errors.ErrInternal, "Normalized copy could not be created", err)
	}

	if checked.IsImage() {
		if _, err := p.imageProc.Normalize(ctx, src, dst, checked.MIME); err != nil {
			dst.Close()
			return nil, errors.NewReason(errors.ErrValidationFailed, "normalize_failed",
				"Image could not be re-encoded", err)
		}
	} else {
		// Non-image content: verbatim chunked copy establishes the
		// working-file contract without touching the bytes.
		if err := copyChunked(dst, src); err != nil {
			dst.Close()
			return nil, errors.New(errors.ErrInternal, "Normalized copy could not be written", err)
		}
	}
	if err := dst.Close(); err != nil {
		return nil, errors.New(errors.ErrInternal, "Normalized copy could not be written", err)
	}

	// Re-validate the normalized copy; its metadata is the final record.
	out, err := p.fs.Open(dstPath)
	if err != nil {
		return nil, errors.New(errors.ErrInternal, "Normalized copy could not be reopened", err)
	}
	defer out.Close()

	final, err := validate.Validate(out, c)
	if err != nil {
		return nil, fmt.Errorf("normalized copy failed re-validation: %w", err)
	}

	return &Result{
		Path: dstPath,
		Size: final.Size,
		Meta: Metadata{
			MIME:      final.MIME,
			Extension: final.Extension,
			SHA256:    final.SHA256,
			SHA1:      final.SHA1,
			SizeBytes: final.Size,
			Width:     final.Width,
			Height:    final.Height,
		},
	}, nil
}

func (p *Pipeline) hashFile(path string) (string, error) {
	f, err := p.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if err := copyChunked(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// copyChunked moves data in fixed-size chunks so memory stays bounded
// regardless of file size.
func copyChunked(dst io.Writer, src io.Reader) error {
	buf := make([]byte, validate.ChunkSize)
	_, err := io.CopyBuffer(dst, src, buf)
	return err
}
