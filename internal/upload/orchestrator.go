// Package upload sequences the pipeline: quarantine -> scan -> normalize ->
// attach -> schedule cleanup. It is the single entry point for both the
// queued and the synchronous path.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/normalize"
	"mediavault/internal/persist"
	"mediavault/internal/quarantine"
	"mediavault/internal/scan"
	"mediavault/internal/storage"
)

// Coalescer is implemented by the coalescing scheduler. Pointer writes are
// best-effort: losing coalescing is acceptable, losing the upload is not.
type Coalescer interface {
	RecordLatest(ctx context.Context, owner persist.OwnerKey, artifactID, correlationID string) error
	Trigger(ctx context.Context, owner persist.OwnerKey, collection, correlationID string) error
}

// NopCoalescer disables coalescing, for profiles without conversions.
type NopCoalescer struct{}

func (NopCoalescer) RecordLatest(context.Context, persist.OwnerKey, string, string) error {
	return nil
}
func (NopCoalescer) Trigger(context.Context, persist.OwnerKey, string, string) error { return nil }

// QueuedUploadResult is returned by the asynchronous path. Failures surface
// later through the status endpoint, never by blocking the caller.
type QueuedUploadResult struct {
	QuarantineToken string `json:"quarantine_token"`
	CorrelationID   string `json:"correlation_id"`
	Status          string `json:"status"` // always "processing"
}

// MediaResource is the synchronous path's answer: the persisted artifact.
type MediaResource struct {
	ArtifactID    string             `json:"artifact_id"`
	Path          string             `json:"path"`
	Collection    string             `json:"collection"`
	CorrelationID string             `json:"correlation_id"`
	Meta          normalize.Metadata `json:"meta"`
}

// Source is an upload's input stream plus what the client claimed about it.
// Declared values feed only the fail-fast checks; real validation uses bytes.
type Source struct {
	Reader       io.Reader
	Filename     string
	DeclaredMIME string
	DeclaredSize int64
}

type syncBus interface {
	Synchronous() bool
}

type Orchestrator struct {
	store     *quarantine.Store
	scanner   *scan.Coordinator
	pipeline  *normalize.Pipeline
	adapter   persist.Adapter
	provider  storage.Provider
	bus       events.Bus
	coalescer Coalescer
	profiles  Profiles
	logger    *slog.Logger
}

func NewOrchestrator(
	store *quarantine.Store,
	scanner *scan.Coordinator,
	pipeline *normalize.Pipeline,
	adapter persist.Adapter,
	provider storage.Provider,
	bus events.Bus,
	coalescer Coalescer,
	profiles Profiles,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		scanner:   scanner,
		pipeline:  pipeline,
		adapter:   adapter,
		provider:  provider,
		bus:       bus,
		coalescer: coalescer,
		profiles:  profiles,
		logger:    logger.With(slog.String("component", "upload_orchestrator")),
	}
}

// resolveCorrelationID prefers the caller's id, then the active trace, then
// a fresh UUID so out-of-band jobs still thread one id through every stage.
func resolveCorrelationID(ctx context.Context, provided string) string {
	if provided != "" {
		return provided
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

// failFast runs the lightweight constraint checks before any I/O
// duplication. Declared values only; the byte-level checks come later.
func failFast(src Source, profile Profile) error {
	c := profile.Constraints
	if c.MaxBytes > 0 && src.DeclaredSize > c.MaxBytes {
		return errors.NewReason(errors.ErrMaxSizeExceeded, "declared_size",
			fmt.Sprintf("File exceeds the maximum allowed size of %d bytes", c.MaxBytes), nil)
	}
	if src.DeclaredMIME != "" && len(c.AllowedMIME) > 0 && !slices.Contains(c.AllowedMIME, src.DeclaredMIME) {
		return errors.NewReason(errors.ErrValidationFailed, "declared_mime",
			fmt.Sprintf("Content type %s is not allowed", src.DeclaredMIME), nil)
	}
	return nil
}

// Upload is the asynchronous path: quarantine the file and enqueue a
// processing job, returning immediately with status "processing".
func (o *Orchestrator) Upload(ctx context.Context, owner persist.OwnerKey, src Source, profileName, correlationID string) (*QueuedUploadResult, error) {
	correlationID = resolveCorrelationID(ctx, correlationID)

	profile, err := o.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	if err := failFast(src, profile); err != nil {
		return nil, err
	}

	token, err := o.store.Duplicate(ctx, src.Reader, src.Filename, profile.Constraints.MaxBytes, correlationID)
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "Upload quarantined",
		"token", token.ID,
		"profile", profile.Name,
		"correlation_id", correlationID,
	)

	job := events.ProcessUploadJob{
		QuarantineToken:  token.ID,
		TenantID:         owner.TenantID,
		OwnerID:          owner.OwnerID,
		Profile:          profile.Name,
		OriginalFilename: src.Filename,
		CorrelationID:    correlationID,
	}
	payload, _ := json.Marshal(job)

	subject := events.SubjectProcessUpload
	if profile.Queue != "" {
		subject = profile.Queue
	}
	if err := o.bus.Publish(subject, payload, token.ID); err != nil {
		if sb, ok := o.bus.(syncBus); ok && sb.Synchronous() {
			// Inline mode already ran the work; the error is the result.
			return nil, err
		}
		// The job will never run: reclaim the staged artifact now.
		_ = o.store.Delete(ctx, token)
		return nil, errors.New(errors.ErrInternal, "Upload could not be queued", err)
	}

	return &QueuedUploadResult{
		QuarantineToken: token.ID,
		CorrelationID:   correlationID,
		Status:          "processing",
	}, nil
}

// UploadSync quarantines and processes in-process. Used by tests, the
// replacement coordinator and low-latency call sites.
func (o *Orchestrator) UploadSync(ctx context.Context, owner persist.OwnerKey, src Source, profileName, correlationID string) (*MediaResource, error) {
	correlationID = resolveCorrelationID(ctx, correlationID)

	profile, err := o.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}
	if err := failFast(src, profile); err != nil {
		return nil, err
	}

	token, err := o.store.Duplicate(ctx, src.Reader, src.Filename, profile.Constraints.MaxBytes, correlationID)
	if err != nil {
		return nil, err
	}

	return o.Process(ctx, events.ProcessUploadJob{
		QuarantineToken:  token.ID,
		TenantID:         owner.TenantID,
		OwnerID:          owner.OwnerID,
		Profile:          profile.Name,
		OriginalFilename: src.Filename,
		CorrelationID:    correlationID,
	})
}

// Process is the core logic shared by both paths, operating on an
// already-quarantined artifact. Error handling follows a strict ladder:
// virus -> infected; retryable -> quarantine preserved, error re-raised so
// the queue redelivers; anything else -> failed + quarantine reclaimed.
func (o *Orchestrator) Process(ctx context.Context, job events.ProcessUploadJob) (resource *MediaResource, retErr error) {
	logger := o.logger.With(
		slog.String("token", job.QuarantineToken),
		slog.String("correlation_id", job.CorrelationID),
	)

	token, err := o.store.ResolveToken(job.QuarantineToken)
	if err != nil {
		return nil, err
	}
	profile, err := o.profiles.Get(job.Profile)
	if err != nil {
		return nil, err
	}
	owner := persist.OwnerKey{TenantID: job.TenantID, OwnerID: job.OwnerID}

	// Read where the entry actually is. A redelivered job after a transient
	// failure finds it mid-ladder (scanning or clean) and resumes from there;
	// a fresh entry is pending. Gone or terminal means the work is finished.
	current, err := o.store.GetState(ctx, token)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrNotFound {
			logger.InfoContext(ctx, "Quarantine entry gone, processing already completed")
			return nil, nil
		}
		return nil, err
	}
	switch current {
	case quarantine.StatePending, quarantine.StateScanning, quarantine.StateClean:
	default:
		logger.InfoContext(ctx, "Entry in terminal state, nothing to do", "state", string(current))
		return nil, nil
	}

	defer func() {
		if retErr == nil {
			return
		}
		switch {
		case errors.CodeOf(retErr) == errors.ErrVirusDetected:
			if err := o.store.Transition(ctx, token, current, quarantine.StateInfected, transitionMeta(job)); err != nil {
				logger.ErrorContext(ctx, "Failed to mark entry infected", "error", err)
			}
		case errors.Retryable(retErr):
			// Preserve the quarantine entry untouched so the retry finds it.
			logger.WarnContext(ctx, "Processing degraded, preserving quarantine for retry",
				"state", string(current), "error", retErr)
		default:
			if err := o.store.Transition(ctx, token, current, quarantine.StateFailed, transitionMeta(job)); err != nil {
				logger.ErrorContext(ctx, "Failed to mark entry failed", "error", err)
			}
			if err := o.store.Delete(ctx, token); err != nil {
				logger.ErrorContext(ctx, "Failed to reclaim quarantine entry", "error", err)
			}
		}
	}()

	// Stage the quarantined bytes onto the pipeline's working filesystem.
	workPath := path.Join("work", token.ID)
	if err := o.stageWorkingCopy(ctx, token, workPath); err != nil {
		return nil, err
	}
	defer func() {
		// The working and normalized files never outlive one invocation.
		_ = o.pipeline.Fs().Remove(workPath)
		_ = o.pipeline.Fs().Remove(workPath + ".normalized")
	}()

	// Drive the state machine to clean, skipping edges a prior attempt
	// already crossed. A lost transition race means another worker moved the
	// entry since we observed it: stop quietly, do not retry, do not reclaim.
	if profile.RequireScan && current == quarantine.StatePending {
		if err := o.store.Transition(ctx, token, current, quarantine.StateScanning, transitionMeta(job)); err != nil {
			if errors.CodeOf(err) == errors.ErrInvalidState {
				logger.InfoContext(ctx, "Entry already taken by another worker")
				return nil, nil
			}
			return nil, err
		}
		current = quarantine.StateScanning
	}
	if profile.RequireScan && current == quarantine.StateScanning {
		if err := o.scanner.Scan(ctx, token, job.CorrelationID); err != nil {
			return nil, err
		}
	}
	if current != quarantine.StateClean {
		if err := o.store.Transition(ctx, token, current, quarantine.StateClean, transitionMeta(job)); err != nil {
			if errors.CodeOf(err) == errors.ErrInvalidState {
				logger.InfoContext(ctx, "Entry already taken by another worker")
				return nil, nil
			}
			return nil, err
		}
		current = quarantine.StateClean
	}

	// Re-validate against the quarantined copy and normalize it.
	result, err := o.pipeline.Process(ctx, workPath, job.OriginalFilename, profile.Constraints, job.CorrelationID)
	if err != nil {
		return nil, err
	}

	// Place the normalized object under an id-derived key and attach it.
	artifactID := uuid.New().String()
	filename := "original." + result.Meta.Extension
	objectKey := path.Join(artifactID, filename)

	normalized, err := o.pipeline.Fs().Open(result.Path)
	if err != nil {
		return nil, errors.New(errors.ErrInternal, "Normalized artifact could not be opened", err)
	}
	putErr := o.provider.Put(ctx, storage.BucketMedia, objectKey, normalized, result.Size, result.Meta.MIME)
	normalized.Close()
	if putErr != nil {
		return nil, errors.New(errors.ErrInternal, "Normalized artifact could not be stored", putErr)
	}

	if _, err := o.adapter.Attach(ctx, owner, persist.NewArtifact{
		ID:         artifactID,
		Collection: profile.Collection,
		Disk:       profile.Disk,
		Filename:   filename,
		MIME:       result.Meta.MIME,
		SizeBytes:  result.Meta.SizeBytes,
		SHA256:     result.Meta.SHA256,
	}, profile.SingleFile); err != nil {
		_, _ = o.provider.DeleteDirectory(ctx, storage.BucketMedia, artifactID)
		return nil, err
	}

	if err := o.store.Transition(ctx, token, current, quarantine.StatePromoted, transitionMeta(job)); err != nil {
		logger.ErrorContext(ctx, "Failed to mark entry promoted", "error", err)
	}
	// Promotion destroys the token: entry and staged bytes.
	if err := o.store.Delete(ctx, token); err != nil {
		logger.WarnContext(ctx, "Promoted entry could not be reclaimed", "error", err)
	}

	// Best-effort coalescing pointer: the upload is already durable.
	if err := o.coalescer.RecordLatest(ctx, owner, artifactID, job.CorrelationID); err != nil {
		logger.WarnContext(ctx, "Coalescing pointer write failed", "error", err)
	}
	if len(profile.Conversions) > 0 {
		if err := o.coalescer.Trigger(ctx, owner, profile.Collection, job.CorrelationID); err != nil {
			logger.WarnContext(ctx, "Coalescing trigger failed", "error", err)
		}
	}

	logger.InfoContext(ctx, "Upload promoted",
		"artifact_id", artifactID,
		"collection", profile.Collection,
		"mime", result.Meta.MIME,
	)

	return &MediaResource{
		ArtifactID:    artifactID,
		Path:          objectKey,
		Collection:    profile.Collection,
		CorrelationID: job.CorrelationID,
		Meta:          result.Meta,
	}, nil
}

func (o *Orchestrator) stageWorkingCopy(ctx context.Context, token quarantine.Token, workPath string) error {
	rc, err := o.store.Open(ctx, token)
	if err != nil {
		return err
	}
	defer rc.Close()

	fs := o.pipeline.Fs()
	if err := fs.MkdirAll(path.Dir(workPath), 0o750); err != nil {
		return errors.New(errors.ErrInternal, "Working directory could not be created", err)
	}
	if err := afero.WriteReader(fs, workPath, rc); err != nil {
		_ = fs.Remove(workPath)
		return errors.NewReason(errors.ErrSourceUnreadable, "stage_failed",
			"Quarantined artifact could not be staged for processing", err)
	}
	return nil
}

func transitionMeta(job events.ProcessUploadJob) map[string]string {
	return map[string]string{"correlation_id": job.CorrelationID}
}
