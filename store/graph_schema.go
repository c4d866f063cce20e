package store

import "time"

// Graph schema rows are scoped to a project and describe the entity and
// edge labels allowed in that project's knowledge graph. Rows inserted by
// the schema sync sink carry source "generated".
const (
	SchemaSourceGenerated = "generated"
	SchemaSourceManual    = "manual"

	SchemaStatusEnabled  = "enabled"
	SchemaStatusDisabled = "disabled"
)

// EntityType is an allowed node label in a project's graph.
type EntityType struct {
	ID        int64
	ProjectID string
	Name      string
	Source    string
	Status    string
	CreatedAt time.Time
}

// EdgeType is an allowed edge label in a project's graph.
type EdgeType struct {
	ID        int64
	ProjectID string
	Name      string
	Source    string
	Status    string
	CreatedAt time.Time
}

// EdgeTypeMap constrains which (source, edge, target) label triples are
// permitted in a project's graph.
type EdgeTypeMap struct {
	ID         int64
	ProjectID  string
	SourceType string
	EdgeType   string
	TargetType string
	CreatedAt  time.Time
}

// FindGraphSchema specifies the conditions for listing schema rows.
type FindGraphSchema struct {
	ProjectID *string
	Status    *string
}
