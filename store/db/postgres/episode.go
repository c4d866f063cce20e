package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hrygo/engram/store"
)

// UpsertEpisode inserts or refreshes an episode row keyed by uid. Replays of
// the same task id converge on the same row.
func (d *DB) UpsertEpisode(ctx context.Context, upsert *store.Episode) (*store.Episode, error) {
	query := `
		INSERT INTO episode (uid, tenant_id, project_id, user_id, content, source_description, source_type, valid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uid) DO UPDATE SET
			content = EXCLUDED.content,
			source_description = EXCLUDED.source_description,
			source_type = EXCLUDED.source_type,
			valid_at = EXCLUDED.valid_at
		RETURNING id, created_at
	`
	err := d.db.QueryRowContext(ctx, query,
		upsert.UID,
		upsert.TenantID,
		upsert.ProjectID,
		upsert.UserID,
		upsert.Content,
		upsert.SourceDescription,
		upsert.SourceType,
		upsert.ValidAt,
	).Scan(&upsert.ID, &upsert.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert episode: %w", err)
	}
	return upsert, nil
}

// GetEpisode returns the episode with the given uid, or nil when absent.
func (d *DB) GetEpisode(ctx context.Context, uid string) (*store.Episode, error) {
	query := `
		SELECT id, uid, tenant_id, project_id, user_id, content, source_description, source_type, valid_at, created_at
		FROM episode
		WHERE uid = $1
	`
	var episode store.Episode
	var validAt sql.NullTime
	err := d.db.QueryRowContext(ctx, query, uid).Scan(
		&episode.ID,
		&episode.UID,
		&episode.TenantID,
		&episode.ProjectID,
		&episode.UserID,
		&episode.Content,
		&episode.SourceDescription,
		&episode.SourceType,
		&validAt,
		&episode.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	if validAt.Valid {
		episode.ValidAt = &validAt.Time
	}
	return &episode, nil
}
