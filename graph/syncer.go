package graph

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/engram/async"
	"github.com/hrygo/engram/store"
)

// SchemaSyncer persists schema elements discovered during episode
// processing. Each element is upserted on its own so one bad row cannot
// block the rest; the first error is reported after all elements were
// attempted. Callers treat sync failures as non-fatal.
type SchemaSyncer struct {
	store    *store.Store
	registry *SchemaRegistry
}

// NewSchemaSyncer creates a syncer. registry may be nil when no cache
// invalidation is needed.
func NewSchemaSyncer(s *store.Store, registry *SchemaRegistry) *SchemaSyncer {
	return &SchemaSyncer{store: s, registry: registry}
}

// Sync upserts the discovered schema elements for the project.
func (s *SchemaSyncer) Sync(ctx context.Context, additions *async.SchemaAdditions) error {
	if additions == nil || additions.ProjectID == "" {
		return nil
	}

	var firstErr error
	keep := func(err error, what string) {
		if err == nil {
			return
		}
		slog.Warn("schema element sync failed", "project", additions.ProjectID, "element", what, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, name := range additions.EntityTypes {
		keep(s.store.UpsertEntityType(ctx, &store.EntityType{
			ProjectID: additions.ProjectID,
			Name:      name,
			Source:    store.SchemaSourceGenerated,
			Status:    store.SchemaStatusEnabled,
		}), "entity_type "+name)
	}
	for _, name := range additions.EdgeTypes {
		keep(s.store.UpsertEdgeType(ctx, &store.EdgeType{
			ProjectID: additions.ProjectID,
			Name:      name,
			Source:    store.SchemaSourceGenerated,
			Status:    store.SchemaStatusEnabled,
		}), "edge_type "+name)
	}
	for _, m := range additions.EdgeMaps {
		keep(s.store.UpsertEdgeTypeMap(ctx, &store.EdgeTypeMap{
			ProjectID:  additions.ProjectID,
			SourceType: m.Source,
			EdgeType:   m.Edge,
			TargetType: m.Target,
		}), "edge_type_map "+m.Source+"-"+m.Edge+"-"+m.Target)
	}

	if s.registry != nil {
		s.registry.Invalidate(additions.ProjectID)
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, "schema sync incomplete")
	}
	return nil
}
