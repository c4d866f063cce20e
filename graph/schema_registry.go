package graph

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/hrygo/engram/store"
)

const (
	schemaCacheTTL     = 5 * time.Minute
	schemaCacheCleanup = 10 * time.Minute
)

// SchemaRegistry serves per-project graph schemas from storage with a
// short-lived cache in front. Writers must call Invalidate after changing
// a project's schema.
type SchemaRegistry struct {
	store *store.Store
	cache *gocache.Cache
}

// NewSchemaRegistry creates a registry backed by the store.
func NewSchemaRegistry(s *store.Store) *SchemaRegistry {
	return &SchemaRegistry{
		store: s,
		cache: gocache.New(schemaCacheTTL, schemaCacheCleanup),
	}
}

// GetProjectSchema returns the enabled schema of the project.
func (r *SchemaRegistry) GetProjectSchema(ctx context.Context, projectID string) (*ProjectSchema, error) {
	if cached, ok := r.cache.Get(projectID); ok {
		return cached.(*ProjectSchema), nil
	}

	enabled := store.SchemaStatusEnabled
	find := &store.FindGraphSchema{ProjectID: &projectID, Status: &enabled}

	entityTypes, err := r.store.ListEntityTypes(ctx, find)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entity types")
	}
	edgeTypes, err := r.store.ListEdgeTypes(ctx, find)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list edge types")
	}
	edgeMaps, err := r.store.ListEdgeTypeMaps(ctx, &store.FindGraphSchema{ProjectID: &projectID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list edge type maps")
	}

	schema := &ProjectSchema{ProjectID: projectID}
	for _, et := range entityTypes {
		schema.EntityTypes = append(schema.EntityTypes, et.Name)
	}
	for _, et := range edgeTypes {
		schema.EdgeTypes = append(schema.EdgeTypes, et.Name)
	}
	for _, m := range edgeMaps {
		schema.EdgeMaps = append(schema.EdgeMaps, EdgeMap{
			Source: m.SourceType,
			Edge:   m.EdgeType,
			Target: m.TargetType,
		})
	}

	r.cache.SetDefault(projectID, schema)
	return schema, nil
}

// Invalidate drops the cached schema for the project.
func (r *SchemaRegistry) Invalidate(projectID string) {
	r.cache.Delete(projectID)
}
