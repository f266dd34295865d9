package quarantine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mediavault/internal/errors"
	"mediavault/internal/storage"
)

// Token is the opaque handle a client or queued job holds for a staged
// artifact. The path is always derived from the generated id, never from
// anything the uploader sent.
type Token struct {
	ID   string
	Path string
}

// Entry is the persisted quarantine record.
type Entry struct {
	Token            Token
	State            State
	OriginalFilename string
	DetectedMIME     string
	SizeBytes        int64
	SHA256           string
	CorrelationID    string
	PendingExpiresAt time.Time
	FailedExpiresAt  time.Time
}

// DB is the slice of pgx we need. *pgxpool.Pool satisfies it, and so does
// pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Config carries the TTL backstops. Any artifact stuck in a non-terminal
// state past its TTL is force-expired by the purge, independent of whether
// its owning job ever completed.
type Config struct {
	PendingTTL time.Duration
	FailedTTL  time.Duration
}

// Store owns quarantine token lifetime: duplicate-on-arrival, guarded state
// transitions, deletion and TTL expiry.
type Store struct {
	db       DB
	provider storage.Provider
	cfg      Config
	logger   *slog.Logger
}

func NewStore(db DB, provider storage.Provider, cfg Config, logger *slog.Logger) *Store {
	if cfg.PendingTTL == 0 {
		cfg.PendingTTL = 24 * time.Hour
	}
	if cfg.FailedTTL == 0 {
		cfg.FailedTTL = 48 * time.Hour
	}
	return &Store{
		db:       db,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "quarantine_store")),
	}
}

func tokenPath(id string) string {
	return path.Join("staged", id)
}

// maxSizeReader fails the stream as soon as it crosses the cap, so an
// oversized upload never finishes duplicating.
type maxSizeReader struct {
	r    io.Reader
	left int64
}

var errTooLarge = stderrors.New("quarantine: size cap exceeded")

func (m *maxSizeReader) Read(p []byte) (int, error) {
	if m.left < 0 {
		return 0, errTooLarge
	}
	n, err := m.r.Read(p)
	m.left -= int64(n)
	if m.left < 0 {
		return n, errTooLarge
	}
	return n, err
}

// Duplicate streams src byte-for-byte into a private staging path and
// persists a pending entry. The original filename is recorded for logging
// only and never used for path construction.
func (s *Store) Duplicate(ctx context.Context, src io.Reader, originalFilename string, maxBytes int64, correlationID string) (Token, error) {
	if src == nil {
		return Token{}, errors.NewReason(errors.ErrSourceUnreadable, "nil_source",
			"Upload source could not be opened", nil)
	}

	token := Token{ID: uuid.New().String()}
	token.Path = tokenPath(token.ID)

	reader := src
	if maxBytes > 0 {
		reader = &maxSizeReader{r: src, left: maxBytes}
	}

	if err := s.provider.Put(ctx, storage.BucketQuarantine, token.Path, reader, -1, "application/octet-stream"); err != nil {
		// Partial object, if any, must not linger. The size sentinel travels
		// through the provider's error chain, however it was wrapped.
		_ = s.provider.Delete(ctx, storage.BucketQuarantine, token.Path)
		if stderrors.Is(err, errTooLarge) {
			return Token{}, errors.NewReason(errors.ErrMaxSizeExceeded, "max_bytes",
				fmt.Sprintf("File exceeds the maximum allowed size of %d bytes", maxBytes), nil)
		}
		return Token{}, errors.NewReason(errors.ErrSourceUnreadable, "duplicate_failed",
			"Upload could not be staged", err)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO quarantine_entries
			(id, state, original_filename, correlation_id, pending_expires_at, failed_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		token.ID, string(StatePending), sanitizeFilename(originalFilename), correlationID,
		now.Add(s.cfg.PendingTTL), now.Add(s.cfg.FailedTTL), now,
	)
	if err != nil {
		_ = s.provider.Delete(ctx, storage.BucketQuarantine, token.Path)
		return Token{}, errors.New(errors.ErrInternal, "Upload could not be staged", err)
	}

	s.logger.InfoContext(ctx, "Artifact quarantined",
		"token", token.ID,
		"correlation_id", correlationID,
	)
	return token, nil
}

// Transition atomically advances the entry iff its current state equals
// from. Zero rows affected means another worker already advanced it; the
// caller receives INVALID_STATE and should treat the token as taken.
func (s *Store) Transition(ctx context.Context, token Token, from, to State, meta map[string]string) error {
	if !CanTransition(from, to) {
		return errors.NewReason(errors.ErrInvalidState, "transition_not_allowed",
			fmt.Sprintf("Transition %s -> %s is not permitted", from, to), nil)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE quarantine_entries
		SET state = $1, detected_mime = COALESCE(NULLIF($4, ''), detected_mime),
		    sha256 = COALESCE(NULLIF($5, ''), sha256), updated_at = $6
		WHERE id = $2 AND state = $3`,
		string(to), token.ID, string(from), meta["mime"], meta["sha256"], time.Now().UTC(),
	)
	if err != nil {
		return errors.New(errors.ErrInternal, "Quarantine state could not be updated", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewReason(errors.ErrInvalidState, "state_changed",
			fmt.Sprintf("Entry is no longer in state %s", from), nil)
	}

	s.logger.InfoContext(ctx, "Quarantine transition",
		"token", token.ID,
		"from", string(from),
		"to", string(to),
		"correlation_id", meta["correlation_id"],
	)
	return nil
}

// GetState reads the current state of the token's entry.
func (s *Store) GetState(ctx context.Context, token Token) (State, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT state FROM quarantine_entries WHERE id = $1`, token.ID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return "", errors.New(errors.ErrNotFound, "Unknown quarantine token", nil)
	}
	if err != nil {
		return "", errors.New(errors.ErrInternal, "Quarantine state could not be read", err)
	}
	return ParseState(raw)
}

// Delete removes the staged object and its entry. Idempotent: deleting an
// already-absent artifact is not an error.
func (s *Store) Delete(ctx context.Context, token Token) error {
	if err := s.provider.Delete(ctx, storage.BucketQuarantine, token.Path); err != nil && err != storage.ErrNotFound {
		return errors.New(errors.ErrInternal, "Quarantined artifact could not be deleted", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM quarantine_entries WHERE id = $1`, token.ID); err != nil {
		return errors.New(errors.ErrInternal, "Quarantine entry could not be deleted", err)
	}
	return nil
}

// ResolveToken reconstructs a token handle from the opaque identifier a
// client or job holds. Only a UUID shape is accepted, which also rules out
// any path traversal through the identifier.
func (s *Store) ResolveToken(id string) (Token, error) {
	parsed, err := uuid.Parse(id)
	if err != nil || strings.ContainsAny(id, "/\\.") {
		return Token{}, errors.NewReason(errors.ErrInvalidInput, "bad_token",
			"Malformed quarantine token", nil)
	}
	canonical := parsed.String()
	return Token{ID: canonical, Path: tokenPath(canonical)}, nil
}

// Open returns the staged artifact's byte stream.
func (s *Store) Open(ctx context.Context, token Token) (io.ReadCloser, error) {
	rc, err := s.provider.Get(ctx, storage.BucketQuarantine, token.Path)
	if err == storage.ErrNotFound {
		return nil, errors.New(errors.ErrNotFound, "Quarantined artifact is missing", err)
	}
	if err != nil {
		return nil, errors.NewReason(errors.ErrSourceUnreadable, "open_failed",
			"Quarantined artifact could not be opened", err)
	}
	return rc, nil
}

// PurgeExpired force-transitions stale non-terminal entries to expired and
// deletes their backing storage. Returns the number of entries reclaimed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(ctx, `
		UPDATE quarantine_entries
		SET state = $1, updated_at = $2
		WHERE (state IN ($3, $4, $5) AND pending_expires_at < $2)
		   OR (state = $6 AND failed_expires_at < $2)
		RETURNING id`,
		string(StateExpired), now,
		string(StatePending), string(StateScanning), string(StateClean),
		string(StateFailed),
	)
	if err != nil {
		return 0, errors.New(errors.ErrInternal, "Quarantine purge failed", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, errors.New(errors.ErrInternal, "Quarantine purge failed", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, errors.New(errors.ErrInternal, "Quarantine purge failed", err)
	}

	for _, id := range ids {
		if err := s.provider.Delete(ctx, storage.BucketQuarantine, tokenPath(id)); err != nil && err != storage.ErrNotFound {
			s.logger.WarnContext(ctx, "Expired artifact could not be removed from storage",
				"token", id, "error", err)
		}
	}

	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "Quarantine purge complete", "expired", len(ids))
	}
	return len(ids), nil
}

// sanitizeFilename strips path separators and control bytes so the stored
// name is safe to log. It is never used to build a storage path.
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	const maxLen = 255
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}
