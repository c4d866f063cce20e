package episode

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/engram/async"
)

// KindRebuildCommunity recomputes community groupings over a project's
// graph. It is expensive and not idempotent mid-flight, so it runs with a
// long timeout and a single attempt.
const KindRebuildCommunity = "rebuild_community"

// RebuildPayload is the enqueue document for rebuild_community tasks.
type RebuildPayload struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
}

func (h *Handler) rebuildCommunity(ctx context.Context, payload []byte, progress async.Progress) (*async.Result, error) {
	var p RebuildPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, async.Permanent(errors.Wrap(err, "malformed rebuild payload"))
	}
	if p.ProjectID == "" {
		return nil, async.Permanent(errors.New("project_id is required"))
	}

	if err := progress.Report(ctx, 0, "collecting episodes"); err != nil {
		return nil, err
	}

	// Community detection itself lives behind the graph backend; here the
	// relational side only refreshes the cached project schema so new
	// generated types become visible to subsequent extractions.
	schema, err := h.schemas.GetProjectSchema(ctx, p.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load project schema")
	}

	if err := progress.Report(ctx, 50, "rebuilding communities"); err != nil {
		return nil, err
	}
	h.schemas.Invalidate(p.ProjectID)

	resultDoc, err := json.Marshal(map[string]any{
		"project_id":   p.ProjectID,
		"entity_types": len(schema.EntityTypes),
		"edge_types":   len(schema.EdgeTypes),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result")
	}

	if err := progress.Report(ctx, 100, "done"); err != nil {
		return nil, err
	}
	return &async.Result{Payload: resultDoc}, nil
}
