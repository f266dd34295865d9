// Package replace coordinates single-file artifact replacement: snapshot the
// artifacts being superseded, upload the successor, and schedule cleanup of
// the old files strictly after the owning transaction commits.
package replace

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"mediavault/internal/events"
	"mediavault/internal/persist"
	"mediavault/internal/txhook"
	"mediavault/internal/upload"
)

// SnapshotItem records one artifact that the replacement supersedes, with
// every storage directory known to belong to it.
type SnapshotItem struct {
	ArtifactID  string              `json:"artifact_id"`
	Collection  string              `json:"collection"`
	Disk        string              `json:"disk"`
	Filename    string              `json:"filename"`
	PathsByDisk map[string][]string `json:"paths_by_disk"`
}

// Snapshot is taken before the upload so cleanup targets are fixed at
// replacement time, not at cleanup time.
type Snapshot struct {
	Items []SnapshotItem `json:"items"`
}

func (s Snapshot) Empty() bool { return len(s.Items) == 0 }

// Expectations are the derived variants the new artifact still owes.
type Expectations []string

// Result is the replacement outcome: the new artifact, what it replaced,
// and which conversions are pending for it.
type Result struct {
	Media        *upload.MediaResource `json:"media"`
	Snapshot     Snapshot              `json:"snapshot"`
	Expectations Expectations          `json:"expectations"`
}

// Scheduler is the primary cleanup path. The production implementation
// enqueues through the job queue; tests substitute a recorder.
type Scheduler interface {
	Schedule(ctx context.Context, job events.CleanupJob) error
}

type Coordinator struct {
	orch      *upload.Orchestrator
	adapter   persist.Adapter
	profiles  upload.Profiles
	scheduler Scheduler
	bus       events.Bus
	logger    *slog.Logger
}

func NewCoordinator(
	orch *upload.Orchestrator,
	adapter persist.Adapter,
	profiles upload.Profiles,
	scheduler Scheduler,
	bus events.Bus,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		orch:      orch,
		adapter:   adapter,
		profiles:  profiles,
		scheduler: scheduler,
		bus:       bus,
		logger:    logger.With(slog.String("component", "replace_coordinator")),
	}
}

// ReplaceWithSnapshot uploads src synchronously and, for single-file
// collections, schedules cleanup of every artifact the upload superseded.
// Cleanup scheduling runs after the surrounding transaction commits — never
// before, so a rolled-back replacement cannot delete the files it would
// have replaced.
func (c *Coordinator) ReplaceWithSnapshot(ctx context.Context, owner persist.OwnerKey, src upload.Source, profileName, correlationID string) (*Result, error) {
	profile, err := c.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}

	snapshot, err := c.takeSnapshot(ctx, owner, profile)
	if err != nil {
		return nil, err
	}

	media, err := c.orch.UploadSync(ctx, owner, src, profileName, correlationID)
	if err != nil {
		return nil, err
	}

	expectations := Expectations(profile.Conversions)
	if len(expectations) > 0 {
		// Non-fatal: the conversion job re-derives what it owes anyway.
		if err := c.adapter.MarkConversionsPending(ctx, media.ArtifactID, expectations); err != nil {
			c.logger.WarnContext(ctx, "Failed to flag pending conversions",
				"artifact_id", media.ArtifactID,
				"error", err,
				"correlation_id", media.CorrelationID,
			)
		}
	}

	if !snapshot.Empty() {
		deferred := func(ctx context.Context) {
			c.scheduleCleanup(ctx, snapshot, media)
		}
		if !txhook.AfterCommit(ctx, deferred) {
			// No surrounding transaction: the attach already committed
			// inside UploadSync, so cleanup can run now.
			deferred(ctx)
		}
	}

	return &Result{
		Media:        media,
		Snapshot:     snapshot,
		Expectations: expectations,
	}, nil
}

// takeSnapshot lists the artifacts the upload will supersede. Only
// single-file collections replace anything; for the rest it is empty.
func (c *Coordinator) takeSnapshot(ctx context.Context, owner persist.OwnerKey, profile upload.Profile) (Snapshot, error) {
	if !profile.SingleFile {
		return Snapshot{}, nil
	}

	artifacts, err := c.adapter.ArtifactsFor(ctx, owner, profile.Collection)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	for _, art := range artifacts {
		snap.Items = append(snap.Items, SnapshotItem{
			ArtifactID: art.ID,
			Collection: art.Collection,
			Disk:       art.Disk,
			Filename:   art.Filename,
			// The artifact's whole directory, conversions included, lives
			// under its id.
			PathsByDisk: map[string][]string{art.Disk: {art.ID}},
		})
	}
	return snap, nil
}

// scheduleCleanup builds the payload and hands it to the scheduler. On
// scheduler failure it degrades to a raw direct enqueue; if that also fails
// the orphaned files are left for the periodic sweep.
func (c *Coordinator) scheduleCleanup(ctx context.Context, snapshot Snapshot, media *upload.MediaResource) {
	payload := buildCleanupPayload(snapshot, media)
	if len(payload.ArtifactsByDisk) == 0 {
		return
	}

	err := c.scheduler.Schedule(ctx, payload)
	if err == nil {
		return
	}
	c.logger.WarnContext(ctx, "Cleanup scheduler failed, falling back to direct enqueue",
		"error", err, "correlation_id", media.CorrelationID)

	raw, _ := json.Marshal(events.CleanupJob{
		ArtifactsByDisk: payload.ArtifactsByDisk,
		CorrelationID:   media.CorrelationID,
	})
	if err := c.bus.Publish(events.SubjectCleanup, raw, uuid.New().String()); err != nil {
		// Both paths down. The files stay orphaned until the sweep.
		c.logger.ErrorContext(ctx, "Cleanup could not be scheduled at all, orphaned files remain",
			"error", err,
			"artifact_count", len(snapshot.Items),
			"correlation_id", media.CorrelationID,
		)
	}
}

func buildCleanupPayload(snapshot Snapshot, media *upload.MediaResource) events.CleanupJob {
	byDisk := make(map[string][]string)
	for _, item := range snapshot.Items {
		for disk, dirs := range item.PathsByDisk {
			byDisk[disk] = append(byDisk[disk], dirs...)
		}
	}
	return events.CleanupJob{
		ArtifactsByDisk: byDisk,
		PreserveIDs:     []string{media.ArtifactID},
		CorrelationID:   media.CorrelationID,
	}
}
