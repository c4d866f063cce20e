// Package episode registers the task handlers that ingest episodes into
// the memory graph.
package episode

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/engram/async"
	"github.com/hrygo/engram/graph"
	"github.com/hrygo/engram/store"
)

// KindProcessEpisode ingests one episode: persist, extract, sync schema.
const KindProcessEpisode = "process_episode"

// episodeNamespace seeds the deterministic episode uid derived from the
// task id, so a retried attempt converges on the same episode row.
var episodeNamespace = uuid.MustParse("5f2b6a1e-9c74-4c14-8a14-3d7e6f0b2c91")

// Payload is the enqueue document for process_episode tasks.
type Payload struct {
	TenantID          string     `json:"tenant_id"`
	ProjectID         string     `json:"project_id"`
	UserID            string     `json:"user_id"`
	Content           string     `json:"content"`
	SourceDescription string     `json:"source_description,omitempty"`
	SourceType        string     `json:"source_type,omitempty"`
	ValidAt           *time.Time `json:"valid_at,omitempty"`
}

func (p *Payload) validate() error {
	if p.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if p.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if p.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// Handler processes episodes.
type Handler struct {
	store     *store.Store
	extractor graph.Extractor
	schemas   *graph.SchemaRegistry
}

// NewHandler wires the episode handler.
func NewHandler(s *store.Store, extractor graph.Extractor, schemas *graph.SchemaRegistry) *Handler {
	return &Handler{store: s, extractor: extractor, schemas: schemas}
}

// Register adds the episode task kinds to the registry.
func (h *Handler) Register(registry *async.Registry) error {
	if err := registry.Register(&async.Descriptor{
		Kind:    KindProcessEpisode,
		Timeout: 5 * time.Minute,
		Process: h.processEpisode,
	}); err != nil {
		return err
	}
	return registry.Register(&async.Descriptor{
		Kind:        KindRebuildCommunity,
		Timeout:     time.Hour,
		MaxAttempts: 1,
		Process:     h.rebuildCommunity,
	})
}

func (h *Handler) processEpisode(ctx context.Context, payload []byte, progress async.Progress) (*async.Result, error) {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, async.Permanent(errors.Wrap(err, "malformed episode payload"))
	}
	if err := p.validate(); err != nil {
		return nil, async.Permanent(err)
	}

	if err := progress.Report(ctx, 10, "validated"); err != nil {
		return nil, err
	}
	schema, err := h.schemas.GetProjectSchema(ctx, p.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load project schema")
	}

	if err := progress.Report(ctx, 20, "extracting graph"); err != nil {
		return nil, err
	}
	extraction, err := h.extractor.ExtractGraph(ctx, p.Content, schema)
	if err != nil {
		return nil, errors.Wrap(err, "graph extraction failed")
	}
	if err := progress.Report(ctx, 30, "entities extracted"); err != nil {
		return nil, err
	}
	if err := progress.Report(ctx, 50, "edges extracted"); err != nil {
		return nil, err
	}

	uid := uuid.NewSHA1(episodeNamespace, []byte(async.TaskIDFromContext(ctx))).String()
	episode, err := h.store.UpsertEpisode(ctx, &store.Episode{
		UID:               uid,
		TenantID:          p.TenantID,
		ProjectID:         p.ProjectID,
		UserID:            p.UserID,
		Content:           p.Content,
		SourceDescription: p.SourceDescription,
		SourceType:        p.SourceType,
		ValidAt:           p.ValidAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist episode")
	}
	if err := progress.Report(ctx, 75, "episode persisted"); err != nil {
		return nil, err
	}
	additions := collectSchemaAdditions(p.ProjectID, schema, extraction)

	resultDoc, err := json.Marshal(map[string]any{
		"episode_uid": episode.UID,
		"entities":    len(extraction.Entities),
		"edges":       len(extraction.Edges),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result")
	}

	if err := progress.Report(ctx, 100, "done"); err != nil {
		return nil, err
	}
	return &async.Result{
		Payload:    resultDoc,
		EntityID:   episode.UID,
		EntityType: "episode",
		Schema:     additions,
	}, nil
}

// collectSchemaAdditions diffs the extraction against the known project
// schema and returns only the new elements. Nil when nothing is new.
func collectSchemaAdditions(projectID string, schema *graph.ProjectSchema, extraction *graph.Extraction) *async.SchemaAdditions {
	knownEntities := make(map[string]bool)
	knownEdges := make(map[string]bool)
	knownMaps := make(map[graph.EdgeMap]bool)
	if schema != nil {
		for _, name := range schema.EntityTypes {
			knownEntities[name] = true
		}
		for _, name := range schema.EdgeTypes {
			knownEdges[name] = true
		}
		for _, m := range schema.EdgeMaps {
			knownMaps[m] = true
		}
	}

	entityTypeOf := make(map[string]string)
	additions := &async.SchemaAdditions{ProjectID: projectID}
	for _, entity := range extraction.Entities {
		if entity.Type == "" {
			continue
		}
		entityTypeOf[entity.Name] = entity.Type
		if !knownEntities[entity.Type] {
			knownEntities[entity.Type] = true
			additions.EntityTypes = append(additions.EntityTypes, entity.Type)
		}
	}
	for _, edge := range extraction.Edges {
		if edge.Type == "" {
			continue
		}
		if !knownEdges[edge.Type] {
			knownEdges[edge.Type] = true
			additions.EdgeTypes = append(additions.EdgeTypes, edge.Type)
		}
		src, dst := entityTypeOf[edge.SourceEntity], entityTypeOf[edge.TargetEntity]
		if src == "" || dst == "" {
			continue
		}
		m := graph.EdgeMap{Source: src, Edge: edge.Type, Target: dst}
		if !knownMaps[m] {
			knownMaps[m] = true
			additions.EdgeMaps = append(additions.EdgeMaps, async.EdgeMap{Source: src, Edge: edge.Type, Target: dst})
		}
	}

	if len(additions.EntityTypes) == 0 && len(additions.EdgeTypes) == 0 && len(additions.EdgeMaps) == 0 {
		return nil
	}
	return additions
}
