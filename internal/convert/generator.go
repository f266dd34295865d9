// Package convert produces the derived variants (thumbnails, previews) a
// collection declares for its artifacts. It runs on the worker, downstream
// of the coalescing scheduler, so it only ever sees the latest artifact.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"strings"

	"golang.org/x/image/draw"

	"mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/persist"
	"mediavault/internal/storage"
)

// Variant bounds one derived rendition. The longest edge is scaled down to
// MaxEdge; images already smaller pass through at original size.
type Variant struct {
	Name    string
	MaxEdge int
}

// DefaultVariants covers the conversion names the upload profiles declare.
var DefaultVariants = map[string]Variant{
	"thumb":   {Name: "thumb", MaxEdge: 200},
	"preview": {Name: "preview", MaxEdge: 640},
	"medium":  {Name: "medium", MaxEdge: 1280},
	"large":   {Name: "large", MaxEdge: 2048},
}

type Generator struct {
	provider storage.Provider
	adapter  persist.Adapter
	variants map[string]Variant
	logger   *slog.Logger
}

func NewGenerator(provider storage.Provider, adapter persist.Adapter, variants map[string]Variant, logger *slog.Logger) *Generator {
	if variants == nil {
		variants = DefaultVariants
	}
	return &Generator{
		provider: provider,
		adapter:  adapter,
		variants: variants,
		logger:   logger.With(slog.String("component", "conversion_generator")),
	}
}

// Run generates the job's conversions for its artifact. A job for an
// artifact that is no longer current is dropped quietly: the scheduler has
// already queued a fresh job for the successor.
func (g *Generator) Run(ctx context.Context, job events.ConversionJob) error {
	logger := g.logger.With(
		slog.String("artifact_id", job.ArtifactID),
		slog.String("correlation_id", job.CorrelationID),
	)
	owner := persist.OwnerKey{TenantID: job.TenantID, OwnerID: job.OwnerID}

	current, err := g.adapter.CurrentArtifact(ctx, owner, job.Collection)
	if err != nil {
		return errors.New(errors.ErrInternal, "Current artifact could not be resolved", err)
	}
	if current == nil || current.ID != job.ArtifactID {
		logger.InfoContext(ctx, "Artifact superseded before conversion, dropping job")
		return nil
	}
	if !strings.HasPrefix(current.MIME, "image/") {
		logger.InfoContext(ctx, "Artifact is not an image, no conversions to produce", "mime", current.MIME)
		return nil
	}

	rc, err := g.provider.Get(ctx, storage.BucketMedia, current.ID+"/"+current.Filename)
	if err != nil {
		return errors.New(errors.ErrInternal, "Original artifact could not be opened", err)
	}
	src, format, err := image.Decode(rc)
	rc.Close()
	if err != nil {
		return errors.NewReason(errors.ErrValidationFailed, "image_undecodable",
			"Original artifact could not be decoded", err)
	}

	for _, name := range job.Conversions {
		variant, ok := g.variants[name]
		if !ok {
			logger.WarnContext(ctx, "Unknown conversion name skipped", "conversion", name)
			continue
		}
		if err := g.produce(ctx, current, src, format, variant); err != nil {
			return err
		}
	}

	// All variants exist now; nothing is pending anymore.
	if err := g.adapter.MarkConversionsPending(ctx, current.ID, nil); err != nil {
		logger.WarnContext(ctx, "Failed to clear pending conversions", "error", err)
	}

	logger.InfoContext(ctx, "Conversions produced", "count", len(job.Conversions))
	return nil
}

func (g *Generator) produce(ctx context.Context, art *persist.Artifact, src image.Image, format string, variant Variant) error {
	scaled := scaleDown(src, variant.MaxEdge)

	var buf bytes.Buffer
	var contentType string
	switch format {
	case "jpeg":
		contentType = "image/jpeg"
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: jpeg.DefaultQuality}); err != nil {
			return errors.New(errors.ErrInternal, "Conversion could not be encoded", err)
		}
	case "gif":
		contentType = "image/gif"
		if err := gif.Encode(&buf, scaled, nil); err != nil {
			return errors.New(errors.ErrInternal, "Conversion could not be encoded", err)
		}
	default:
		contentType = "image/png"
		if err := png.Encode(&buf, scaled); err != nil {
			return errors.New(errors.ErrInternal, "Conversion could not be encoded", err)
		}
	}

	key := conversionKey(art.ID, variant.Name, extensionFor(contentType))
	if err := g.provider.Put(ctx, storage.BucketMedia, key, &buf, int64(buf.Len()), contentType); err != nil {
		return errors.New(errors.ErrInternal, "Conversion could not be stored", err)
	}
	return nil
}

func conversionKey(artifactID, name, ext string) string {
	return fmt.Sprintf("%s/conversions/%s.%s", artifactID, name, ext)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// scaleDown resizes so the longest edge is at most maxEdge, preserving
// aspect ratio. Never upscales.
func scaleDown(src image.Image, maxEdge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := max(w, h)
	if maxEdge <= 0 || longest <= maxEdge {
		return src
	}

	scale := float64(maxEdge) / float64(longest)
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
