package persist

import (
	"context"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/testutil"
)

func TestAttach_SingleFileSupersedesPrior(t *testing.T) {
	mockPool := testutil.NewMockDB(t)
	adapter := NewPostgresAdapter(mockPool, testutil.NewTestLogger())

	owner := OwnerKey{TenantID: "acme", OwnerID: "user-1"}

	mockPool.ExpectBegin()
	// Superseded rows are hard-deleted so the cleanup re-check can reclaim
	// their files.
	mockPool.ExpectExec(regexp.QuoteMeta(`DELETE FROM media_artifacts`)).
		WithArgs("user-1", "acme", "avatar").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mockPool.ExpectExec(regexp.QuoteMeta(`INSERT INTO media_artifacts`)).
		WithArgs(pgxmock.AnyArg(), "user-1", "acme", "avatar", "media", "abc.jpg",
			"image/jpeg", int64(1024), "deadbeef", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	id, err := adapter.Attach(context.Background(), owner, NewArtifact{
		Collection: "avatar",
		Disk:       "media",
		Filename:   "abc.jpg",
		MIME:       "image/jpeg",
		SizeBytes:  1024,
		SHA256:     "deadbeef",
	}, true)

	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestAttach_MultiFileKeepsPrior(t *testing.T) {
	mockPool := testutil.NewMockDB(t)
	adapter := NewPostgresAdapter(mockPool, testutil.NewTestLogger())

	mockPool.ExpectBegin()
	// No supersede DELETE expected for multi-file collections.
	mockPool.ExpectExec(regexp.QuoteMeta(`INSERT INTO media_artifacts`)).
		WithArgs(pgxmock.AnyArg(), "user-1", "acme", "gallery", "media", "img.png",
			"image/png", int64(99), "cafebabe", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	_, err := adapter.Attach(context.Background(), OwnerKey{TenantID: "acme", OwnerID: "user-1"}, NewArtifact{
		Collection: "gallery",
		Disk:       "media",
		Filename:   "img.png",
		MIME:       "image/png",
		SizeBytes:  99,
		SHA256:     "cafebabe",
	}, false)

	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	mockPool := testutil.NewMockDB(t)
	adapter := NewPostgresAdapter(mockPool, testutil.NewTestLogger())

	mockPool.ExpectQuery(regexp.QuoteMeta(`deleted_at IS NULL`)).
		WithArgs("art-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mockPool.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM media_artifacts WHERE id = $1)`)).
		WithArgs("art-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	live, err := adapter.Exists(context.Background(), "art-1", false)
	require.NoError(t, err)
	assert.False(t, live)

	trashed, err := adapter.Exists(context.Background(), "art-1", true)
	require.NoError(t, err)
	assert.True(t, trashed)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestMemoryAdapter_SingleFileLifecycle(t *testing.T) {
	adapter := NewMemoryAdapter()
	ctx := context.Background()
	owner := OwnerKey{TenantID: "acme", OwnerID: "user-1"}

	first, err := adapter.Attach(ctx, owner, NewArtifact{Collection: "avatar", Filename: "a.png"}, true)
	require.NoError(t, err)
	second, err := adapter.Attach(ctx, owner, NewArtifact{Collection: "avatar", Filename: "b.png"}, true)
	require.NoError(t, err)

	current, err := adapter.CurrentArtifact(ctx, owner, "avatar")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second, current.ID)

	// The superseded record is gone entirely, trashed included, so cleanup
	// can delete its files; a soft-deleted owner still registers as trashed.
	live, _ := adapter.Exists(ctx, first, false)
	trashed, _ := adapter.Exists(ctx, first, true)
	assert.False(t, live)
	assert.False(t, trashed)

	adapter.SoftDelete(second)
	live, _ = adapter.Exists(ctx, second, false)
	trashed, _ = adapter.Exists(ctx, second, true)
	assert.False(t, live)
	assert.True(t, trashed)
}
