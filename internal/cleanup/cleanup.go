// Package cleanup reclaims orphaned artifact directories left behind by
// replacements. Best-effort batch semantics: each entry is judged on its
// own, a storage error never aborts the remaining entries, and re-running
// the same payload is harmless.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"mediavault/internal/errors"
	"mediavault/internal/events"
	"mediavault/internal/persist"
	"mediavault/internal/storage"
)

// maxPerDisk refuses pathological payloads before any deletion work starts.
const maxPerDisk = 1000

// Stats aggregates one run's outcomes, one counter per result class.
type Stats struct {
	Deleted        int `json:"deleted"`
	Missing        int `json:"missing"`
	Exists         int `json:"exists"`
	Preserved      int `json:"preserved"`
	SkippedInvalid int `json:"skipped_invalid"`
	Errors         int `json:"errors"`
}

// Runner executes cleanup jobs against the storage provider, with a final
// persistence re-check before every deletion.
type Runner struct {
	provider storage.Provider
	adapter  persist.Adapter
	// diskBuckets maps a logical disk name to its storage bucket. Entries
	// for unknown disks are counted invalid, never guessed.
	diskBuckets map[string]storage.Bucket
	metrics     *Metrics
	logger      *slog.Logger
}

func NewRunner(provider storage.Provider, adapter persist.Adapter, diskBuckets map[string]storage.Bucket, metrics *Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		provider:    provider,
		adapter:     adapter,
		diskBuckets: diskBuckets,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "cleanup")),
	}
}

// Run processes one cleanup payload and returns the aggregate stats. The
// only hard error is the per-disk ceiling; everything per-entry is counted,
// logged and skipped.
func (r *Runner) Run(ctx context.Context, job events.CleanupJob) (Stats, error) {
	var stats Stats

	for disk, dirs := range job.ArtifactsByDisk {
		if len(dirs) > maxPerDisk {
			if r.metrics != nil {
				r.metrics.Refused.Inc()
			}
			return stats, errors.NewReason(errors.ErrInvalidInput, "payload_too_large",
				fmt.Sprintf("Cleanup payload for disk %s exceeds %d entries", disk, maxPerDisk), nil)
		}
	}

	for disk, dirs := range job.ArtifactsByDisk {
		bucket, ok := r.diskBuckets[disk]
		if !ok {
			r.logger.WarnContext(ctx, "Cleanup entry for unknown disk skipped",
				"disk", disk, "entries", len(dirs), "correlation_id", job.CorrelationID)
			stats.SkippedInvalid += len(dirs)
			continue
		}

		for _, dir := range dirs {
			r.processEntry(ctx, bucket, dir, job, &stats)
		}
	}

	if r.metrics != nil {
		r.metrics.record(stats)
	}
	r.logger.InfoContext(ctx, "Cleanup run complete",
		"deleted", stats.Deleted,
		"missing", stats.Missing,
		"exists", stats.Exists,
		"preserved", stats.Preserved,
		"skipped_invalid", stats.SkippedInvalid,
		"errors", stats.Errors,
		"correlation_id", job.CorrelationID,
	)
	return stats, nil
}

func (r *Runner) processEntry(ctx context.Context, bucket storage.Bucket, dir string, job events.CleanupJob, stats *Stats) {
	clean, ok := sanitizeDir(dir)
	if !ok {
		r.logger.WarnContext(ctx, "Cleanup entry with unsafe path skipped",
			"dir", dir, "correlation_id", job.CorrelationID)
		stats.SkippedInvalid++
		return
	}

	// The leading segment is the owning artifact id under the
	// <artifactID>/<filename> layout.
	owningID := clean
	if idx := strings.IndexByte(clean, '/'); idx != -1 {
		owningID = clean[:idx]
	}

	if slices.Contains(job.PreserveIDs, owningID) {
		stats.Preserved++
		return
	}

	// Re-check right before deleting: the record may have been recreated,
	// or the "old" artifact may still be referenced, since snapshot time.
	// Soft-deleted rows count as existing.
	live, err := r.adapter.Exists(ctx, owningID, true)
	if err != nil {
		r.logger.ErrorContext(ctx, "Cleanup existence re-check failed",
			"artifact_id", owningID, "error", err, "correlation_id", job.CorrelationID)
		stats.Errors++
		return
	}
	if live {
		stats.Exists++
		return
	}

	removed, err := r.provider.DeleteDirectory(ctx, bucket, clean)
	if err != nil {
		r.logger.ErrorContext(ctx, "Cleanup deletion failed",
			"dir", clean, "error", err, "correlation_id", job.CorrelationID)
		stats.Errors++
		return
	}
	if removed == 0 {
		// Already absent. Retries and overlapping payloads land here.
		stats.Missing++
		return
	}
	stats.Deleted++
}

// sanitizeDir normalizes one directory entry and rejects anything that
// could escape the bucket: empty, absolute, backslashes, or any dot-dot
// segment. Deletion never runs on an unsanitized path.
func sanitizeDir(dir string) (string, bool) {
	dir = strings.TrimSpace(dir)
	if dir == "" || strings.HasPrefix(dir, "/") || strings.Contains(dir, "\\") {
		return "", false
	}
	if dir != path.Clean(dir) || dir == "." || dir == ".." {
		return "", false
	}
	for _, seg := range strings.Split(dir, "/") {
		if seg == ".." || seg == "" {
			return "", false
		}
	}
	return dir, true
}
