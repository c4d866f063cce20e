package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/engram/store"
	"github.com/hrygo/engram/store/storetest"
)

func seedSchema(t *testing.T, s *store.Store, projectID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertEntityType(ctx, &store.EntityType{
		ProjectID: projectID, Name: "PERSON",
		Source: store.SchemaSourceManual, Status: store.SchemaStatusEnabled,
	}))
	require.NoError(t, s.UpsertEntityType(ctx, &store.EntityType{
		ProjectID: projectID, Name: "SECRET",
		Source: store.SchemaSourceManual, Status: store.SchemaStatusDisabled,
	}))
	require.NoError(t, s.UpsertEdgeType(ctx, &store.EdgeType{
		ProjectID: projectID, Name: "KNOWS",
		Source: store.SchemaSourceManual, Status: store.SchemaStatusEnabled,
	}))
	require.NoError(t, s.UpsertEdgeTypeMap(ctx, &store.EdgeTypeMap{
		ProjectID: projectID, SourceType: "PERSON", EdgeType: "KNOWS", TargetType: "PERSON",
	}))
}

func TestSchemaRegistryReturnsEnabledSchema(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	seedSchema(t, s, "p1")

	r := NewSchemaRegistry(s)
	schema, err := r.GetProjectSchema(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", schema.ProjectID)
	require.Equal(t, []string{"PERSON"}, schema.EntityTypes)
	require.Equal(t, []string{"KNOWS"}, schema.EdgeTypes)
	require.Equal(t, []EdgeMap{{Source: "PERSON", Edge: "KNOWS", Target: "PERSON"}}, schema.EdgeMaps)
}

func TestSchemaRegistryCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	s := store.New(storetest.New(), nil)
	seedSchema(t, s, "p1")

	r := NewSchemaRegistry(s)
	_, err := r.GetProjectSchema(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, s.UpsertEntityType(ctx, &store.EntityType{
		ProjectID: "p1", Name: "PLACE",
		Source: store.SchemaSourceGenerated, Status: store.SchemaStatusEnabled,
	}))

	// The cache still serves the old snapshot.
	schema, err := r.GetProjectSchema(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"PERSON"}, schema.EntityTypes)

	r.Invalidate("p1")
	schema, err = r.GetProjectSchema(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"PERSON", "PLACE"}, schema.EntityTypes)
}
