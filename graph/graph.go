// Package graph builds the knowledge graph side of episode processing:
// LLM extraction of entities and relations, the per-project schema
// registry, and best-effort schema persistence.
package graph

// Entity is one node extracted from an episode.
type Entity struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Summary string `json:"summary,omitempty"`
}

// Edge is one relation extracted from an episode.
type Edge struct {
	SourceEntity string `json:"source_entity"`
	TargetEntity string `json:"target_entity"`
	Type         string `json:"type"`
	Fact         string `json:"fact,omitempty"`
}

// Extraction is the full result of analyzing one episode.
type Extraction struct {
	Entities []Entity `json:"entities"`
	Edges    []Edge   `json:"edges"`
}

// EdgeMap is one allowed (source, edge, target) triple in a project schema.
type EdgeMap struct {
	Source string
	Edge   string
	Target string
}

// ProjectSchema is the enabled graph schema of one project, used to steer
// extraction toward known types.
type ProjectSchema struct {
	ProjectID   string
	EntityTypes []string
	EdgeTypes   []string
	EdgeMaps    []EdgeMap
}
