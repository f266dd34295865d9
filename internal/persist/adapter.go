// Package persist is the boundary to owner/artifact records. The pipeline
// only needs attach, current-artifact lookup and an existence re-check; the
// wider application schema stays outside the core.
package persist

import (
	"context"
	"time"
)

// OwnerKey identifies the owning entity across tenants.
type OwnerKey struct {
	TenantID string
	OwnerID  string
}

// Artifact is a plain snapshot record of a persisted media artifact.
// It crosses job/queue boundaries, so it carries ids and primitives only,
// never live database handles.
type Artifact struct {
	ID                 string
	OwnerID            string
	TenantID           string
	Collection         string
	Disk               string
	Filename           string
	MIME               string
	SizeBytes          int64
	SHA256             string
	ConversionsPending []string
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

// NewArtifact is the write model for Attach. The caller generates ID up
// front because the storage key embeds it before the record exists.
type NewArtifact struct {
	ID         string
	Collection string
	Disk       string
	Filename   string
	MIME       string
	SizeBytes  int64
	SHA256     string
}

// Adapter is implemented by the Postgres store and by test fakes.
type Adapter interface {
	// Attach persists the artifact for owner and returns its id. When
	// singleFile is set, prior artifacts in the same collection are
	// soft-deleted in the same transaction.
	Attach(ctx context.Context, owner OwnerKey, art NewArtifact, singleFile bool) (string, error)

	// CurrentArtifact returns the owner's live artifact for the collection,
	// or nil when there is none.
	CurrentArtifact(ctx context.Context, owner OwnerKey, collection string) (*Artifact, error)

	// ArtifactsFor lists the owner's live artifacts in the collection.
	ArtifactsFor(ctx context.Context, owner OwnerKey, collection string) ([]Artifact, error)

	// Exists re-checks an artifact id immediately before destructive work.
	// includeTrashed also counts soft-deleted rows.
	Exists(ctx context.Context, id string, includeTrashed bool) (bool, error)

	// MarkConversionsPending flags the named derived variants as not yet
	// produced. Best-effort from the caller's point of view.
	MarkConversionsPending(ctx context.Context, id string, conversions []string) error
}
