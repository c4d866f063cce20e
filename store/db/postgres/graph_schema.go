package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/hrygo/engram/store"
)

// UpsertEntityType inserts an entity type if absent. Existing rows keep
// their source and status.
func (d *DB) UpsertEntityType(ctx context.Context, upsert *store.EntityType) error {
	query := `
		INSERT INTO entity_type (project_id, name, source, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, name) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, query, upsert.ProjectID, upsert.Name, upsert.Source, upsert.Status); err != nil {
		return fmt.Errorf("failed to upsert entity type: %w", err)
	}
	return nil
}

// UpsertEdgeType inserts an edge type if absent.
func (d *DB) UpsertEdgeType(ctx context.Context, upsert *store.EdgeType) error {
	query := `
		INSERT INTO edge_type (project_id, name, source, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, name) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, query, upsert.ProjectID, upsert.Name, upsert.Source, upsert.Status); err != nil {
		return fmt.Errorf("failed to upsert edge type: %w", err)
	}
	return nil
}

// UpsertEdgeTypeMap inserts a (source, edge, target) triple if absent.
func (d *DB) UpsertEdgeTypeMap(ctx context.Context, upsert *store.EdgeTypeMap) error {
	query := `
		INSERT INTO edge_type_map (project_id, source_type, edge_type, target_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, source_type, edge_type, target_type) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, query, upsert.ProjectID, upsert.SourceType, upsert.EdgeType, upsert.TargetType); err != nil {
		return fmt.Errorf("failed to upsert edge type map: %w", err)
	}
	return nil
}

func (d *DB) ListEntityTypes(ctx context.Context, find *store.FindGraphSchema) ([]*store.EntityType, error) {
	where, args := schemaWhere(find)
	query := `SELECT id, project_id, name, source, status, created_at FROM entity_type WHERE ` + where + ` ORDER BY name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}
	defer rows.Close()

	var list []*store.EntityType
	for rows.Next() {
		var et store.EntityType
		if err := rows.Scan(&et.ID, &et.ProjectID, &et.Name, &et.Source, &et.Status, &et.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity type: %w", err)
		}
		list = append(list, &et)
	}
	return list, rows.Err()
}

func (d *DB) ListEdgeTypes(ctx context.Context, find *store.FindGraphSchema) ([]*store.EdgeType, error) {
	where, args := schemaWhere(find)
	query := `SELECT id, project_id, name, source, status, created_at FROM edge_type WHERE ` + where + ` ORDER BY name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edge types: %w", err)
	}
	defer rows.Close()

	var list []*store.EdgeType
	for rows.Next() {
		var et store.EdgeType
		if err := rows.Scan(&et.ID, &et.ProjectID, &et.Name, &et.Source, &et.Status, &et.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge type: %w", err)
		}
		list = append(list, &et)
	}
	return list, rows.Err()
}

func (d *DB) ListEdgeTypeMaps(ctx context.Context, find *store.FindGraphSchema) ([]*store.EdgeTypeMap, error) {
	// edge_type_map has no status column; only the project filter applies.
	where, args := "1 = 1", []any{}
	if find.ProjectID != nil {
		args = append(args, *find.ProjectID)
		where = "project_id = $1"
	}
	query := `SELECT id, project_id, source_type, edge_type, target_type, created_at FROM edge_type_map WHERE ` + where + ` ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edge type maps: %w", err)
	}
	defer rows.Close()

	var list []*store.EdgeTypeMap
	for rows.Next() {
		var m store.EdgeTypeMap
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SourceType, &m.EdgeType, &m.TargetType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge type map: %w", err)
		}
		list = append(list, &m)
	}
	return list, rows.Err()
}

func schemaWhere(find *store.FindGraphSchema) (string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ProjectID != nil {
		args = append(args, *find.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if find.Status != nil {
		args = append(args, *find.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	return strings.Join(where, " AND "), args
}
