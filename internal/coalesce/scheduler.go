// Package coalesce collapses rapid successive uploads for one owner into a
// single post-processing run that only touches the latest artifact. All
// coordination state lives in the shared fast store, never in-process, so
// the protocol holds across independent worker processes.
package coalesce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mediavault/internal/cache"
	"mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/persist"
	"mediavault/internal/storage"
)

const (
	// PointerTTL bounds how long an unprocessed latest-pointer stays alive.
	PointerTTL = 5 * time.Minute

	// LockTTL caps one coalescing job's exclusive window. The job refreshes
	// it between iterations; a crashed worker's lock simply expires.
	LockTTL = 60 * time.Second

	// maxIterations bounds one job's internal loop. Work beyond it is
	// deferred to the next scheduled job via the version recheck.
	maxIterations = 3
)

// Pointer is the per-(tenant,owner) last-writer record.
type Pointer struct {
	ArtifactID    string    `json:"artifact_id"`
	CorrelationID string    `json:"correlation_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func ptrKey(o persist.OwnerKey) string  { return "coalesce:ptr:" + o.TenantID + ":" + o.OwnerID }
func verKey(o persist.OwnerKey) string  { return "coalesce:ver:" + o.TenantID + ":" + o.OwnerID }
func lockKey(o persist.OwnerKey) string { return "coalesce:lock:" + o.TenantID + ":" + o.OwnerID }

// Scheduler implements the versioned last-writer protocol. Conversions maps
// a collection to the derived variants its artifacts need; collections
// without an entry coalesce to a no-op dispatch.
type Scheduler struct {
	kv          cache.KV
	bus         events.Bus
	adapter     persist.Adapter
	provider    storage.Provider
	conversions map[string][]string
	logger      *slog.Logger
}

func NewScheduler(
	kv cache.KV,
	bus events.Bus,
	adapter persist.Adapter,
	provider storage.Provider,
	conversions map[string][]string,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		kv:          kv,
		bus:         bus,
		adapter:     adapter,
		provider:    provider,
		conversions: conversions,
		logger:      logger.With(slog.String("component", "coalesce_scheduler")),
	}
}

// RecordLatest writes the last-writer pointer and bumps the version counter.
// Callers treat failures as best-effort: losing coalescing is acceptable,
// losing the upload is not.
func (s *Scheduler) RecordLatest(ctx context.Context, owner persist.OwnerKey, artifactID, correlationID string) error {
	data, err := json.Marshal(Pointer{
		ArtifactID:    artifactID,
		CorrelationID: correlationID,
		UpdatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, ptrKey(owner), string(data), PointerTTL); err != nil {
		return fmt.Errorf("coalesce: writing pointer: %w", err)
	}
	if _, err := s.kv.Incr(ctx, verKey(owner)); err != nil {
		return fmt.Errorf("coalesce: bumping version: %w", err)
	}
	if err := s.kv.Expire(ctx, verKey(owner), PointerTTL); err != nil {
		return fmt.Errorf("coalesce: refreshing version ttl: %w", err)
	}
	return nil
}

// Trigger enqueues at most one coalescing job per owner. The set-if-absent
// lock means a second trigger while a job is in flight is a silent no-op.
func (s *Scheduler) Trigger(ctx context.Context, owner persist.OwnerKey, collection, correlationID string) error {
	acquired, err := s.kv.SetNX(ctx, lockKey(owner), correlationID, LockTTL)
	if err != nil {
		return errors.New(errors.ErrInternal, "Coalescing lock could not be acquired", err)
	}
	if !acquired {
		s.logger.DebugContext(ctx, "Coalescing already in flight",
			"tenant_id", owner.TenantID,
			"owner_id", owner.OwnerID,
		)
		return nil
	}

	payload, _ := json.Marshal(events.CoalesceJob{
		TenantID:      owner.TenantID,
		OwnerID:       owner.OwnerID,
		Collection:    collection,
		CorrelationID: correlationID,
	})
	if err := s.bus.Publish(events.SubjectCoalesce, payload, uuid.New().String()); err != nil {
		// The lock guards a job that will never run; hand it back.
		_ = s.kv.Del(ctx, lockKey(owner))
		return errors.New(errors.ErrInternal, "Coalescing job could not be queued", err)
	}
	return nil
}

// RunJob executes one coalescing job: process the latest pointer, bounded to
// maxIterations, then release the lock and re-trigger if a newer upload
// arrived mid-run. The version-counter double-check closes the race between
// "pointer judged latest" and "job finished".
func (s *Scheduler) RunJob(ctx context.Context, job events.CoalesceJob) (retErr error) {
	owner := persist.OwnerKey{TenantID: job.TenantID, OwnerID: job.OwnerID}
	logger := s.logger.With(
		slog.String("tenant_id", owner.TenantID),
		slog.String("owner_id", owner.OwnerID),
		slog.String("correlation_id", job.CorrelationID),
	)

	startVer, err := s.version(ctx, owner)
	if err != nil {
		return errors.New(errors.ErrInternal, "Coalescing version could not be read", err)
	}

	defer func() {
		// Release unconditionally: success, exhaustion or failure. Then
		// detect uploads that landed mid-run and schedule a fresh job for
		// them instead of dropping them.
		endVer, verr := s.version(ctx, owner)
		if derr := s.kv.Del(ctx, lockKey(owner)); derr != nil {
			logger.WarnContext(ctx, "Coalescing lock release failed", "error", derr)
		}
		if verr == nil && endVer != startVer {
			if terr := s.Trigger(ctx, owner, job.Collection, job.CorrelationID); terr != nil {
				logger.ErrorContext(ctx, "Coalescing re-trigger failed", "error", terr)
			}
		}
	}()

	lastSeen := startVer
	for i := 0; i < maxIterations; i++ {
		ptr, found, err := s.readPointer(ctx, owner)
		if err != nil {
			return errors.New(errors.ErrInternal, "Coalescing pointer could not be read", err)
		}

		stale, reason, err := s.validatePointer(ctx, owner, job.Collection, ptr, found)
		if err != nil {
			return err
		}
		if stale {
			logger.InfoContext(ctx, "Coalescing pointer stale", "reason", reason)
			if found {
				s.cleanupStale(ctx, ptr, job.CorrelationID, logger)
			}
			// A newer pointer may have appeared while we were looking.
			now, err := s.version(ctx, owner)
			if err != nil || now == lastSeen {
				return nil
			}
			lastSeen = now
			_ = s.kv.Expire(ctx, lockKey(owner), LockTTL)
			continue
		}

		if err := s.dispatchConversions(ctx, owner, job.Collection, ptr, job.CorrelationID); err != nil {
			return err
		}
		logger.InfoContext(ctx, "Conversions dispatched", "artifact_id", ptr.ArtifactID)

		// If the pointer moved during dispatch, the new artifact deserves
		// its own pass.
		after, found, err := s.readPointer(ctx, owner)
		if err != nil || !found || after.ArtifactID == ptr.ArtifactID {
			return nil
		}
		_ = s.kv.Expire(ctx, lockKey(owner), LockTTL)
	}

	logger.WarnContext(ctx, "Coalescing iteration budget exhausted")
	return nil
}

func (s *Scheduler) version(ctx context.Context, owner persist.OwnerKey) (int64, error) {
	raw, found, err := s.kv.Get(ctx, verKey(owner))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Scheduler) readPointer(ctx context.Context, owner persist.OwnerKey) (Pointer, bool, error) {
	raw, found, err := s.kv.Get(ctx, ptrKey(owner))
	if err != nil || !found {
		return Pointer{}, false, err
	}
	var ptr Pointer
	if err := json.Unmarshal([]byte(raw), &ptr); err != nil {
		// A corrupt pointer is indistinguishable from a missing one.
		return Pointer{}, false, nil
	}
	return ptr, true, nil
}

// validatePointer applies the staleness ladder: missing pointer, artifact no
// longer current for the collection, or backing file gone.
func (s *Scheduler) validatePointer(ctx context.Context, owner persist.OwnerKey, collection string, ptr Pointer, found bool) (stale bool, reason string, err error) {
	if !found {
		return true, "pointer_missing", nil
	}

	current, err := s.adapter.CurrentArtifact(ctx, owner, collection)
	if err != nil {
		return false, "", errors.New(errors.ErrInternal, "Current artifact could not be resolved", err)
	}
	if current == nil {
		return true, "no_current_artifact", nil
	}
	if current.ID != ptr.ArtifactID {
		return true, "not_current", nil
	}

	exists, err := s.provider.Exists(ctx, storage.BucketMedia, current.ID+"/"+current.Filename)
	if err != nil {
		return false, "", errors.New(errors.ErrInternal, "Backing file check failed", err)
	}
	if !exists {
		return true, "backing_file_missing", nil
	}
	return false, "", nil
}

// cleanupStale schedules removal of a superseded artifact's directory when
// its record is entirely gone. Best-effort: staleness handling must never
// fail the job.
func (s *Scheduler) cleanupStale(ctx context.Context, ptr Pointer, correlationID string, logger *slog.Logger) {
	live, err := s.adapter.Exists(ctx, ptr.ArtifactID, true)
	if err != nil || live {
		return
	}
	payload, _ := json.Marshal(events.CleanupJob{
		ArtifactsByDisk: map[string][]string{"media": {ptr.ArtifactID}},
		CorrelationID:   correlationID,
	})
	if err := s.bus.Publish(events.SubjectCleanup, payload, uuid.New().String()); err != nil {
		logger.WarnContext(ctx, "Stale artifact cleanup could not be queued",
			"artifact_id", ptr.ArtifactID, "error", err)
	}
}

func (s *Scheduler) dispatchConversions(ctx context.Context, owner persist.OwnerKey, collection string, ptr Pointer, correlationID string) error {
	payload, _ := json.Marshal(events.ConversionJob{
		ArtifactID:    ptr.ArtifactID,
		TenantID:      owner.TenantID,
		OwnerID:       owner.OwnerID,
		Collection:    collection,
		Conversions:   s.conversions[collection],
		CorrelationID: correlationID,
	})
	if err := s.bus.Publish(events.SubjectConvert, payload, uuid.New().String()); err != nil {
		return errors.New(errors.ErrInternal, "Conversion job could not be queued", err)
	}
	return nil
}
