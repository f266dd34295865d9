package coalesce

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/cache"
	"mediavault/internal/events"
	"mediavault/internal/persist"
	"mediavault/internal/storage"
	"mediavault/internal/testutil"
)

type capture struct {
	coalesce []events.CoalesceJob
	convert  []events.ConversionJob
	cleanup  []events.CleanupJob
}

type fixture struct {
	sched    *Scheduler
	kv       *cache.MemoryKV
	bus      *events.InlineBus
	adapter  *persist.MemoryAdapter
	provider *storage.LocalProvider
	jobs     *capture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv := cache.NewMemoryKV()
	bus := events.NewInlineBus()
	adapter := persist.NewMemoryAdapter()
	provider := storage.NewMemProvider()
	jobs := &capture{}

	// Capture instead of executing: these tests exercise the protocol, not
	// the downstream workers.
	_, err := bus.Subscribe(events.SubjectCoalesce, "workers", func(_ context.Context, data []byte) error {
		var j events.CoalesceJob
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		jobs.coalesce = append(jobs.coalesce, j)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(events.SubjectConvert, "workers", func(_ context.Context, data []byte) error {
		var j events.ConversionJob
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		jobs.convert = append(jobs.convert, j)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(events.SubjectCleanup, "workers", func(_ context.Context, data []byte) error {
		var j events.CleanupJob
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		jobs.cleanup = append(jobs.cleanup, j)
		return nil
	})
	require.NoError(t, err)

	conversions := map[string][]string{"avatars": {"thumb", "preview"}}
	return &fixture{
		sched:    NewScheduler(kv, bus, adapter, provider, conversions, testutil.NewTestLogger()),
		kv:       kv,
		bus:      bus,
		adapter:  adapter,
		provider: provider,
		jobs:     jobs,
	}
}

func testOwner() persist.OwnerKey {
	return persist.OwnerKey{TenantID: "tenant-1", OwnerID: "user-42"}
}

// attachCurrent makes artifactID the owner's current artifact with a backing
// object in the media bucket.
func attachCurrent(t *testing.T, f *fixture, artifactID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.adapter.Attach(ctx, testOwner(), persist.NewArtifact{
		ID:         artifactID,
		Collection: "avatars",
		Disk:       "media",
		Filename:   "original.png",
		MIME:       "image/png",
		SizeBytes:  128,
		SHA256:     "deadbeef",
	}, true)
	require.NoError(t, err)
	require.NoError(t, f.provider.Put(ctx, storage.BucketMedia, artifactID+"/original.png",
		strings.NewReader("png bytes"), -1, "image/png"))
}

func TestTrigger_LockAdmitsOneJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sched.Trigger(ctx, testOwner(), "avatars", "corr-1"))
	require.NoError(t, f.sched.Trigger(ctx, testOwner(), "avatars", "corr-2"))

	// The second trigger found the lock held and skipped.
	assert.Len(t, f.jobs.coalesce, 1)
	assert.Equal(t, "corr-1", f.jobs.coalesce[0].CorrelationID)
}

func TestTrigger_PublishFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An empty bus rejects the publish.
	f.sched.bus = events.NewInlineBus()
	require.Error(t, f.sched.Trigger(ctx, testOwner(), "avatars", "corr-1"))

	// The lock must not stay held for a job that never queued.
	_, held, err := f.kv.Get(ctx, lockKey(testOwner()))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunJob_DispatchesCurrentArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attachCurrent(t, f, "art-1")
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-1", "corr-1"))

	require.NoError(t, f.sched.RunJob(ctx, events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))

	require.Len(t, f.jobs.convert, 1)
	assert.Equal(t, "art-1", f.jobs.convert[0].ArtifactID)
	assert.Equal(t, []string{"thumb", "preview"}, f.jobs.convert[0].Conversions)

	// Lock released after the run.
	_, held, err := f.kv.Get(ctx, lockKey(testOwner()))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunJob_OnlyLatestUploadWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two uploads in quick succession: art-2 supersedes art-1 before the
	// coalescing job runs.
	attachCurrent(t, f, "art-1")
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-1", "corr-1"))
	attachCurrent(t, f, "art-2")
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-2", "corr-2"))

	require.NoError(t, f.sched.RunJob(ctx, events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))

	// Exactly one conversion dispatch, for the latest artifact only.
	require.Len(t, f.jobs.convert, 1)
	assert.Equal(t, "art-2", f.jobs.convert[0].ArtifactID)
}

func TestRunJob_MissingPointerIsQuietNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.RunJob(context.Background(), events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))
	assert.Empty(t, f.jobs.convert)
	assert.Empty(t, f.jobs.cleanup)
}

func TestRunJob_StalePointerSchedulesCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The pointer references an artifact whose record is entirely gone.
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-gone", "corr-1"))
	attachCurrent(t, f, "art-live")

	require.NoError(t, f.sched.RunJob(ctx, events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))

	assert.Empty(t, f.jobs.convert)
	require.Len(t, f.jobs.cleanup, 1)
	assert.Equal(t, map[string][]string{"media": {"art-gone"}}, f.jobs.cleanup[0].ArtifactsByDisk)
}

func TestRunJob_BackingFileMissingIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attachCurrent(t, f, "art-1")
	require.NoError(t, f.provider.Delete(ctx, storage.BucketMedia, "art-1/original.png"))
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-1", "corr-1"))

	require.NoError(t, f.sched.RunJob(ctx, events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))
	assert.Empty(t, f.jobs.convert)
	// The record is still live, so no cleanup either.
	assert.Empty(t, f.jobs.cleanup)
}

func TestRunJob_MidRunUploadIsProcessedSameJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attachCurrent(t, f, "art-1")
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-1", "corr-1"))

	// Simulate an upload landing while conversions are being dispatched:
	// the inline bus runs this handler synchronously inside RunJob's loop.
	arrived := false
	_, err := f.bus.Subscribe(events.SubjectConvert, "race", func(_ context.Context, _ []byte) error {
		if !arrived {
			arrived = true
			attachCurrent(t, f, "art-2")
			require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-2", "corr-2"))
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.RunJob(ctx, events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))

	// Both artifacts got a dispatch, newest last, within the same job.
	require.Len(t, f.jobs.convert, 2)
	assert.Equal(t, "art-1", f.jobs.convert[0].ArtifactID)
	assert.Equal(t, "art-2", f.jobs.convert[1].ArtifactID)
}

func TestRunJob_DispatchFailureStillReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attachCurrent(t, f, "art-1")
	require.NoError(t, f.sched.RecordLatest(ctx, testOwner(), "art-1", "corr-1"))

	// Replace the bus with one that has no convert handler.
	f.sched.bus = events.NewInlineBus()
	require.NoError(t, f.kv.Set(ctx, lockKey(testOwner()), "corr-1", LockTTL))

	require.Error(t, f.sched.RunJob(ctx, events.CoalesceJob{
		TenantID:      testOwner().TenantID,
		OwnerID:       testOwner().OwnerID,
		Collection:    "avatars",
		CorrelationID: "corr-1",
	}))

	_, held, err := f.kv.Get(ctx, lockKey(testOwner()))
	require.NoError(t, err)
	assert.False(t, held)
}
