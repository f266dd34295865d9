package normalize

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
)

// ImageProcessor is the codec delegation boundary. Orientation correction,
// metadata stripping, color-space normalization and re-encoding live behind
// it; the pipeline treats the implementation as opaque.
type ImageProcessor interface {
	// Normalize reads the source image and writes a canonical copy.
	// Returns the MIME type of the written copy.
	Normalize(ctx context.Context, src io.Reader, dst io.Writer, mime string) (string, error)
}

// StdImageProcessor decodes and re-encodes with the standard library codecs.
// A full decode/re-encode round trip drops EXIF blocks, ICC profiles and any
// trailing bytes after the image stream — which is exactly the point.
type StdImageProcessor struct {
	// JPEGQuality for re-encoded JPEGs. Zero means jpeg.DefaultQuality.
	JPEGQuality int
}

var _ ImageProcessor = (*StdImageProcessor)(nil)

func (p *StdImageProcessor) Normalize(_ context.Context, src io.Reader, dst io.Writer, mime string) (string, error) {
	img, format, err := image.Decode(src)
	if err != nil {
		return "", fmt.Errorf("normalize: decoding %s: %w", mime, err)
	}

	switch format {
	case "jpeg":
		quality := p.JPEGQuality
		if quality == 0 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(dst, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", fmt.Errorf("normalize: encoding jpeg: %w", err)
		}
		return "image/jpeg", nil
	case "gif":
		if err := gif.Encode(dst, img, nil); err != nil {
			return "", fmt.Errorf("normalize: encoding gif: %w", err)
		}
		return "image/gif", nil
	default:
		// PNG is the canonical fallback for anything else the decoder handles.
		if err := png.Encode(dst, img); err != nil {
			return "", fmt.Errorf("normalize: encoding png: %w", err)
		}
		return "image/png", nil
	}
}
