package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cnm4us/mux/internal/models"
)

// InsertOutcome reports whether an event row landed or hit the
// (provider, event_id) uniqueness gate.
type InsertOutcome int

const (
	OutcomeInserted InsertOutcome = iota
	OutcomeDuplicate
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of videos and webhook events.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- videos ---

// CreateVideo inserts a provisional pending record and returns it.
func (s *Store) CreateVideo(ctx context.Context, title *string) (models.Video, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (id, title, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`, id, title, models.StatusPending, now)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return models.Video{ID: id, Title: title, Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}, nil
}

// LinkUpload attaches the platform's direct-upload id to a provisional video.
// The upload id is set once and joins all subsequent webhook events to this row.
func (s *Store) LinkUpload(ctx context.Context, videoID, uploadID string) error {
	if uploadID == "" {
		return errors.New("link upload: upload id is required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET mux_upload_id = $2, updated_at = NOW()
		WHERE id = $1 AND mux_upload_id IS NULL
	`, videoID, uploadID)
	if err != nil {
		return fmt.Errorf("link upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("link upload: video %s missing or already linked", videoID)
	}
	return nil
}

// MarkProcessing records that the platform created an asset for the upload.
// The status predicate is the concurrency guard: a stale created signal can
// never regress a record that is already ready, errored, or deleted.
func (s *Store) MarkProcessing(ctx context.Context, uploadID string, assetID *string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET mux_asset_id = COALESCE($2, mux_asset_id),
		    status = $3,
		    updated_at = NOW()
		WHERE mux_upload_id = $1 AND status IN ($4, $3)
	`, uploadID, assetID, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkReady finalizes a video. Redelivery reapplies the same values, so the
// update is idempotent; only deleted records are shielded.
func (s *Store) MarkReady(ctx context.Context, uploadID, assetID string, playbackID *string, duration *float64) (int64, error) {
	if assetID == "" {
		return 0, errors.New("mark ready: asset id is required")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET mux_asset_id = $2,
		    mux_playback_id = COALESCE($3, mux_playback_id),
		    duration_seconds = COALESCE($4, duration_seconds),
		    status = $5,
		    error_reason = NULL,
		    updated_at = NOW()
		WHERE mux_upload_id = $1 AND status <> $6
	`, uploadID, assetID, playbackID, duration, models.StatusReady, models.StatusDeleted)
	if err != nil {
		return 0, fmt.Errorf("mark ready: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkErrored records an ingest failure. Ready and deleted records are not
// downgraded.
func (s *Store) MarkErrored(ctx context.Context, uploadID string, reason *string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET status = $3,
		    error_reason = COALESCE($2, error_reason),
		    updated_at = NOW()
		WHERE mux_upload_id = $1 AND status NOT IN ($4, $5)
	`, uploadID, reason, models.StatusErrored, models.StatusReady, models.StatusDeleted)
	if err != nil {
		return 0, fmt.Errorf("mark errored: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SoftDelete retires a video. Deleted is terminal; no webhook event can
// move the record out of it.
func (s *Store) SoftDelete(ctx context.Context, videoID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE videos SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $2
	`, videoID, models.StatusDeleted)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}

const videoColumns = `id, title, status, mux_upload_id, mux_asset_id, mux_playback_id, duration_seconds, error_reason, created_at, updated_at`

// GetVideo fetches a video by id.
func (s *Store) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	return scanVideo(row)
}

// GetVideoByUploadID fetches a video by its upload correlation key.
func (s *Store) GetVideoByUploadID(ctx context.Context, uploadID string) (models.Video, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE mux_upload_id = $1`, uploadID)
	return scanVideo(row)
}

// FeedCursor is a keyset position in the feed ordering (created_at desc, id desc).
type FeedCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListFeedPage returns up to limit ready videos, newest first, starting after
// the cursor when one is given.
func (s *Store) ListFeedPage(ctx context.Context, limit int, cursor *FeedCursor) ([]models.Video, error) {
	var rows pgx.Rows
	var err error
	if cursor != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+videoColumns+` FROM videos
			WHERE status = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, models.StatusReady, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+videoColumns+` FROM videos
			WHERE status = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, models.StatusReady, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	defer rows.Close()

	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var title, uploadID, assetID, playbackID, errReason pgtype.Text
	var duration pgtype.Float8

	err := row.Scan(&v.ID, &title, &v.Status, &uploadID, &assetID, &playbackID, &duration, &errReason, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("scan video: %w", err)
	}
	v.Title = textPtr(title)
	v.MuxUploadID = textPtr(uploadID)
	v.MuxAssetID = textPtr(assetID)
	v.MuxPlaybackID = textPtr(playbackID)
	v.ErrorReason = textPtr(errReason)
	if duration.Valid {
		v.DurationSeconds = &duration.Float64
	}
	return v, nil
}

// --- webhook events ---

// ArchivePayload stores full payload bytes keyed by content hash. Writing the
// same hash twice is a no-op, so every delivery (duplicates included) leaves
// at most one archived copy.
func (s *Store) ArchivePayload(ctx context.Context, provider, payloadSHA string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_event_payloads (provider, payload_sha256, payload_json, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, payload_sha256) DO NOTHING
	`, provider, payloadSHA, payload)
	if err != nil {
		return fmt.Errorf("archive payload: %w", err)
	}
	return nil
}

// InsertReceived records one delivery. The ON CONFLICT clause is the
// idempotency gate: whichever concurrent insert loses affects zero rows and
// is reported as a duplicate, never as an error.
func (s *Store) InsertReceived(ctx context.Context, e models.WebhookEvent) (InsertOutcome, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, event_id, type, object_type, object_id, payload_sha256, handled, received_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW(), $7)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, e.Provider, e.EventID, e.Type, e.ObjectType, e.ObjectID, e.PayloadSHA256, e.Notes)
	if err != nil {
		return 0, fmt.Errorf("insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeInserted, nil
}

// MarkHandled flips the handled flag once the dispatcher succeeded.
func (s *Store) MarkHandled(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET handled = TRUE, handled_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID)
	if err != nil {
		return fmt.Errorf("mark handled: %w", err)
	}
	return nil
}

// GetEvent fetches one event row.
func (s *Store) GetEvent(ctx context.Context, provider, eventID string) (models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, provider, event_id, type, object_type, object_id, payload_sha256, handled, received_at, handled_at, notes
		FROM webhook_events WHERE provider = $1 AND event_id = $2
	`, provider, eventID)
	return scanEvent(row)
}

// ListUnhandled returns events whose dispatch never completed, oldest first.
// cmd/reprocess replays these through the dispatcher.
func (s *Store) ListUnhandled(ctx context.Context, provider string, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, event_id, type, object_type, object_id, payload_sha256, handled, received_at, handled_at, notes
		FROM webhook_events
		WHERE provider = $1 AND handled = FALSE
		ORDER BY received_at ASC
		LIMIT $2
	`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("query unhandled events: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetPayload retrieves archived payload bytes by content hash.
func (s *Store) GetPayload(ctx context.Context, provider, payloadSHA string) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload_json FROM webhook_event_payloads
		WHERE provider = $1 AND payload_sha256 = $2
	`, provider, payloadSHA).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payload: %w", err)
	}
	return payload, nil
}

func scanEvent(row pgx.Row) (models.WebhookEvent, error) {
	var e models.WebhookEvent
	var objectType, objectID, notes pgtype.Text
	var handledAt pgtype.Timestamptz

	err := row.Scan(&e.ID, &e.Provider, &e.EventID, &e.Type, &objectType, &objectID, &e.PayloadSHA256, &e.Handled, &e.ReceivedAt, &handledAt, &notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	e.ObjectType = textPtr(objectType)
	e.ObjectID = textPtr(objectID)
	e.Notes = textPtr(notes)
	if handledAt.Valid {
		e.HandledAt = &handledAt.Time
	}
	return e, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
