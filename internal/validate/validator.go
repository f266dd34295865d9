package validate

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"slices"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"

	"mediavault/internal/errors"
)

// Constraints bound what an upload profile accepts. Zero values disable the
// corresponding check, except MaxBytes which must always be set.
type Constraints struct {
	MaxBytes    int64
	AllowedMIME []string
	DeniedMIME  []string

	// Image-only guards
	MinDimension          int
	MaxDimension          int
	MaxMegapixels         float64
	MaxDecompressionRatio float64
}

// Result is the derived, read-only record of one inspection pass.
type Result struct {
	MIME      string
	Extension string
	SHA256    string
	SHA1      string
	Size      int64
	Width     int
	Height    int
}

// IsImage reports whether the detected content is a raster image.
func (r *Result) IsImage() bool {
	return strings.HasPrefix(r.MIME, "image/")
}

// Validate inspects src against c. Pure: no side effects, the reader position
// is the only thing consumed. All failures carry a stable reason code so the
// caller can log them without leaking file content.
//
// The client-declared content type is never consulted; the actual type comes
// from magic bytes via content sniffing.
func Validate(src io.ReadSeeker, c Constraints) (*Result, error) {
	// One streaming pass: hashes, size, and the embedded-code scan share the
	// same chunk loop so memory stays bounded regardless of file size.
	sha256Hasher := sha256.New()
	sha1Hasher := sha1.New()

	scanner := NewScriptScanner()
	var size int64

	buf := make([]byte, ChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			size += int64(n)
			if c.MaxBytes > 0 && size > c.MaxBytes {
				return nil, errors.NewReason(errors.ErrMaxSizeExceeded, "max_bytes",
					fmt.Sprintf("File exceeds the maximum allowed size of %d bytes", c.MaxBytes), nil)
			}
			sha256Hasher.Write(buf[:n])
			sha1Hasher.Write(buf[:n])
			if match := scanner.Scan(buf[:n]); match != "" {
				return nil, errors.NewReason(errors.ErrValidationFailed, "embedded_code",
					"File contains executable content and was rejected", fmt.Errorf("pattern %q", match))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewReason(errors.ErrSourceUnreadable, "read_failed",
				"File could not be read", err)
		}
	}

	if size == 0 {
		return nil, errors.NewReason(errors.ErrValidationFailed, "empty_file",
			"File is empty", nil)
	}

	// Sniff the real type from the header bytes.
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "seek_failed", "File could not be read", err)
	}
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(src, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "read_failed", "File could not be read", err)
	}
	header = header[:n]

	detected := mimetype.Detect(header)
	mime := detected.String()
	if idx := strings.Index(mime, ";"); idx != -1 {
		mime = strings.TrimSpace(mime[:idx])
	}

	if slices.Contains(c.DeniedMIME, mime) {
		return nil, errors.NewReason(errors.ErrValidationFailed, "mime_denied",
			fmt.Sprintf("Content type %s is not allowed", mime), nil)
	}
	if len(c.AllowedMIME) > 0 && !slices.Contains(c.AllowedMIME, mime) {
		return nil, errors.NewReason(errors.ErrValidationFailed, "mime_not_allowed",
			fmt.Sprintf("Content type %s is not allowed", mime), nil)
	}

	// The header must carry the signature the detected type promises.
	// A JPEG that does not start FF D8 FF is a polyglot, not a JPEG.
	if err := VerifyMagicBytes(header, mime); err != nil {
		return nil, err
	}

	result := &Result{
		MIME:      mime,
		Extension: strings.TrimPrefix(detected.Extension(), "."),
		SHA256:    hex.EncodeToString(sha256Hasher.Sum(nil)),
		SHA1:      hex.EncodeToString(sha1Hasher.Sum(nil)),
		Size:      size,
	}

	if result.IsImage() {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, errors.NewReason(errors.ErrSourceUnreadable, "seek_failed", "File could not be read", err)
		}
		if err := checkImageBounds(src, size, c, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// checkImageBounds decodes only the image header and applies the dimension
// and decompression-ratio guards. width*height*4 approximates the decoded
// RGBA footprint; a tiny file promising a huge canvas is a decompression bomb.
func checkImageBounds(src io.Reader, onDiskSize int64, c Constraints, result *Result) error {
	cfg, _, err := image.DecodeConfig(src)
	if err != nil {
		return errors.NewReason(errors.ErrValidationFailed, "image_undecodable",
			"Image dimensions could not be determined", err)
	}
	result.Width = cfg.Width
	result.Height = cfg.Height

	if c.MinDimension > 0 && (cfg.Width < c.MinDimension || cfg.Height < c.MinDimension) {
		return errors.NewReason(errors.ErrValidationFailed, "dimensions_too_small",
			fmt.Sprintf("Image must be at least %dx%d pixels", c.MinDimension, c.MinDimension), nil)
	}
	if c.MaxDimension > 0 && (cfg.Width > c.MaxDimension || cfg.Height > c.MaxDimension) {
		return errors.NewReason(errors.ErrValidationFailed, "dimensions_too_large",
			fmt.Sprintf("Image must be at most %dx%d pixels", c.MaxDimension, c.MaxDimension), nil)
	}

	megapixels := float64(cfg.Width) * float64(cfg.Height) / 1e6
	if c.MaxMegapixels > 0 && megapixels > c.MaxMegapixels {
		return errors.NewReason(errors.ErrValidationFailed, "megapixels_exceeded",
			fmt.Sprintf("Image exceeds the %.1f megapixel limit", c.MaxMegapixels), nil)
	}

	if c.MaxDecompressionRatio > 0 && onDiskSize > 0 {
		decoded := float64(cfg.Width) * float64(cfg.Height) * 4
		if decoded/float64(onDiskSize) > c.MaxDecompressionRatio {
			return errors.NewReason(errors.ErrValidationFailed, "decompression_bomb",
				"Image decompression ratio is suspiciously high", nil)
		}
	}

	return nil
}
