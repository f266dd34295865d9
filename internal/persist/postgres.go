package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mediavault/internal/database/postgresql"
	"mediavault/internal/errors"
)

// PostgresAdapter stores media_artifacts rows. Owner deletions are soft
// (deleted_at); single-file replacement removes superseded rows outright.
type PostgresAdapter struct {
	db     postgresql.DBPool
	logger *slog.Logger
}

var _ Adapter = (*PostgresAdapter)(nil)

func NewPostgresAdapter(db postgresql.DBPool, logger *slog.Logger) *PostgresAdapter {
	return &PostgresAdapter{
		db:     db,
		logger: logger.With(slog.String("component", "persist")),
	}
}

const artifactColumns = `id, owner_id, tenant_id, collection, disk, filename,
	mime, size_bytes, sha256, conversions_pending, created_at, deleted_at`

func scanArtifact(row pgx.Row) (Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.OwnerID, &a.TenantID, &a.Collection, &a.Disk,
		&a.Filename, &a.MIME, &a.SizeBytes, &a.SHA256, &a.ConversionsPending,
		&a.CreatedAt, &a.DeletedAt)
	return a, err
}

func (p *PostgresAdapter) Attach(ctx context.Context, owner OwnerKey, art NewArtifact, singleFile bool) (string, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return "", errors.New(errors.ErrInternal, "Failed to start transaction. Please try again later.", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	id := art.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	if singleFile {
		// Replaced rows are removed outright, not soft-deleted: the cleanup
		// job re-checks existence (trashed included) before touching files,
		// so a lingering row would shield the replaced files forever. The
		// caller snapshotted these rows before this transaction.
		if _, err := tx.Exec(ctx, `
			DELETE FROM media_artifacts
			WHERE owner_id = $1 AND tenant_id = $2 AND collection = $3 AND deleted_at IS NULL`,
			owner.OwnerID, owner.TenantID, art.Collection,
		); err != nil {
			return "", errors.New(errors.ErrInternal, "Failed to supersede prior artifacts", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO media_artifacts
			(id, owner_id, tenant_id, collection, disk, filename, mime, size_bytes, sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, owner.OwnerID, owner.TenantID, art.Collection, art.Disk,
		art.Filename, art.MIME, art.SizeBytes, art.SHA256, now,
	); err != nil {
		return "", errors.New(errors.ErrInternal, "Failed to persist artifact", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", errors.New(errors.ErrInternal, "Failed to finalise transaction", err)
	}

	p.logger.InfoContext(ctx, "Artifact attached",
		"artifact_id", id,
		"owner", owner.OwnerID,
		"collection", art.Collection,
		"single_file", singleFile,
	)
	return id, nil
}

func (p *PostgresAdapter) CurrentArtifact(ctx context.Context, owner OwnerKey, collection string) (*Artifact, error) {
	row := p.db.QueryRow(ctx, `
		SELECT `+artifactColumns+` FROM media_artifacts
		WHERE owner_id = $1 AND tenant_id = $2 AND collection = $3 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		owner.OwnerID, owner.TenantID, collection,
	)
	a, err := scanArtifact(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.ErrInternal, "Failed to look up current artifact", err)
	}
	return &a, nil
}

func (p *PostgresAdapter) ArtifactsFor(ctx context.Context, owner OwnerKey, collection string) ([]Artifact, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+artifactColumns+` FROM media_artifacts
		WHERE owner_id = $1 AND tenant_id = $2 AND collection = $3 AND deleted_at IS NULL
		ORDER BY created_at ASC`,
		owner.OwnerID, owner.TenantID, collection,
	)
	if err != nil {
		return nil, errors.New(errors.ErrInternal, "Failed to list artifacts", err)
	}
	defer rows.Close()

	var result []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, errors.New(errors.ErrInternal, "Failed to list artifacts", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.ErrInternal, "Failed to list artifacts", err)
	}
	return result, nil
}

func (p *PostgresAdapter) Exists(ctx context.Context, id string, includeTrashed bool) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM media_artifacts WHERE id = $1 AND deleted_at IS NULL)`
	if includeTrashed {
		query = `SELECT EXISTS(SELECT 1 FROM media_artifacts WHERE id = $1)`
	}

	var exists bool
	if err := p.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, errors.New(errors.ErrInternal, "Failed to check artifact existence", err)
	}
	return exists, nil
}

func (p *PostgresAdapter) MarkConversionsPending(ctx context.Context, id string, conversions []string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE media_artifacts SET conversions_pending = $1 WHERE id = $2`,
		conversions, id,
	)
	if err != nil {
		return errors.New(errors.ErrInternal, "Failed to flag pending conversions", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.ErrNotFound, "Unknown artifact", nil)
	}
	return nil
}
