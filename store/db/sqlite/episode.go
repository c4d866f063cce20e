package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/engram/store"
)

// UpsertEpisode inserts or refreshes an episode row keyed by uid.
func (d *DB) UpsertEpisode(ctx context.Context, upsert *store.Episode) (*store.Episode, error) {
	stmt := `
		INSERT INTO episode (uid, tenant_id, project_id, user_id, content, source_description, source_type, valid_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
			content = excluded.content,
			source_description = excluded.source_description,
			source_type = excluded.source_type,
			valid_ts = excluded.valid_ts
		RETURNING id, created_ts
	`
	var createdTs int64
	err := d.db.QueryRowContext(ctx, stmt,
		upsert.UID,
		upsert.TenantID,
		upsert.ProjectID,
		upsert.UserID,
		upsert.Content,
		upsert.SourceDescription,
		upsert.SourceType,
		nullableUnix(upsert.ValidAt),
	).Scan(&upsert.ID, &createdTs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert episode")
	}
	upsert.CreatedAt = time.Unix(createdTs, 0)
	return upsert, nil
}

// GetEpisode returns the episode with the given uid, or nil when absent.
func (d *DB) GetEpisode(ctx context.Context, uid string) (*store.Episode, error) {
	query := `
		SELECT id, uid, tenant_id, project_id, user_id, content, source_description, source_type, valid_ts, created_ts
		FROM episode
		WHERE uid = ?
	`
	var episode store.Episode
	var validTs sql.NullInt64
	var createdTs int64
	err := d.db.QueryRowContext(ctx, query, uid).Scan(
		&episode.ID,
		&episode.UID,
		&episode.TenantID,
		&episode.ProjectID,
		&episode.UserID,
		&episode.Content,
		&episode.SourceDescription,
		&episode.SourceType,
		&validTs,
		&createdTs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get episode")
	}
	episode.ValidAt = unixPtr(validTs)
	episode.CreatedAt = time.Unix(createdTs, 0)
	return &episode, nil
}
