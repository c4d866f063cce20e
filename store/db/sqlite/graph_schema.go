package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/engram/store"
)

// UpsertEntityType inserts an entity type if absent.
func (d *DB) UpsertEntityType(ctx context.Context, upsert *store.EntityType) error {
	stmt := `
		INSERT INTO entity_type (project_id, name, source, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, name) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.ProjectID, upsert.Name, upsert.Source, upsert.Status); err != nil {
		return errors.Wrap(err, "failed to upsert entity type")
	}
	return nil
}

// UpsertEdgeType inserts an edge type if absent.
func (d *DB) UpsertEdgeType(ctx context.Context, upsert *store.EdgeType) error {
	stmt := `
		INSERT INTO edge_type (project_id, name, source, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, name) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.ProjectID, upsert.Name, upsert.Source, upsert.Status); err != nil {
		return errors.Wrap(err, "failed to upsert edge type")
	}
	return nil
}

// UpsertEdgeTypeMap inserts a (source, edge, target) triple if absent.
func (d *DB) UpsertEdgeTypeMap(ctx context.Context, upsert *store.EdgeTypeMap) error {
	stmt := `
		INSERT INTO edge_type_map (project_id, source_type, edge_type, target_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, source_type, edge_type, target_type) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.ProjectID, upsert.SourceType, upsert.EdgeType, upsert.TargetType); err != nil {
		return errors.Wrap(err, "failed to upsert edge type map")
	}
	return nil
}

func (d *DB) ListEntityTypes(ctx context.Context, find *store.FindGraphSchema) ([]*store.EntityType, error) {
	where, args := schemaWhere(find)
	query := `SELECT id, project_id, name, source, status, created_ts FROM entity_type WHERE ` + where + ` ORDER BY name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entity types")
	}
	defer rows.Close()

	var list []*store.EntityType
	for rows.Next() {
		var et store.EntityType
		var createdTs int64
		if err := rows.Scan(&et.ID, &et.ProjectID, &et.Name, &et.Source, &et.Status, &createdTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan entity type")
		}
		et.CreatedAt = time.Unix(createdTs, 0)
		list = append(list, &et)
	}
	return list, rows.Err()
}

func (d *DB) ListEdgeTypes(ctx context.Context, find *store.FindGraphSchema) ([]*store.EdgeType, error) {
	where, args := schemaWhere(find)
	query := `SELECT id, project_id, name, source, status, created_ts FROM edge_type WHERE ` + where + ` ORDER BY name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list edge types")
	}
	defer rows.Close()

	var list []*store.EdgeType
	for rows.Next() {
		var et store.EdgeType
		var createdTs int64
		if err := rows.Scan(&et.ID, &et.ProjectID, &et.Name, &et.Source, &et.Status, &createdTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan edge type")
		}
		et.CreatedAt = time.Unix(createdTs, 0)
		list = append(list, &et)
	}
	return list, rows.Err()
}

func (d *DB) ListEdgeTypeMaps(ctx context.Context, find *store.FindGraphSchema) ([]*store.EdgeTypeMap, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ProjectID != nil {
		where, args = append(where, "project_id = ?"), append(args, *find.ProjectID)
	}
	query := `SELECT id, project_id, source_type, edge_type, target_type, created_ts FROM edge_type_map WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list edge type maps")
	}
	defer rows.Close()

	var list []*store.EdgeTypeMap
	for rows.Next() {
		var m store.EdgeTypeMap
		var createdTs int64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SourceType, &m.EdgeType, &m.TargetType, &createdTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan edge type map")
		}
		m.CreatedAt = time.Unix(createdTs, 0)
		list = append(list, &m)
	}
	return list, rows.Err()
}

func schemaWhere(find *store.FindGraphSchema) (string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ProjectID != nil {
		where, args = append(where, "project_id = ?"), append(args, *find.ProjectID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}
	return strings.Join(where, " AND "), args
}
