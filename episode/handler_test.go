package episode

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/engram/async"
	"github.com/hrygo/engram/graph"
	"github.com/hrygo/engram/store"
	"github.com/hrygo/engram/store/storetest"
)

type fakeExtractor struct {
	extraction *graph.Extraction
	err        error
	calls      int
}

func (f *fakeExtractor) ExtractGraph(context.Context, string, *graph.ProjectSchema) (*graph.Extraction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.extraction, nil
}

type recordingProgress struct {
	percents []int
}

func (p *recordingProgress) Report(_ context.Context, percent int, _ string) error {
	p.percents = append(p.percents, percent)
	return nil
}

func newTestHandler(extractor graph.Extractor) (*Handler, *store.Store) {
	s := store.New(storetest.New(), nil)
	return NewHandler(s, extractor, graph.NewSchemaRegistry(s)), s
}

func processCtx(taskID string) context.Context {
	return async.WithTaskID(context.Background(), taskID)
}

func TestProcessEpisodePersistsAndExtracts(t *testing.T) {
	extractor := &fakeExtractor{extraction: &graph.Extraction{
		Entities: []graph.Entity{
			{Name: "Alice", Type: "PERSON"},
			{Name: "Berlin", Type: "PLACE"},
		},
		Edges: []graph.Edge{
			{SourceEntity: "Alice", TargetEntity: "Berlin", Type: "LIVES_IN", Fact: "Alice lives in Berlin"},
		},
	}}
	h, s := newTestHandler(extractor)

	payload, err := json.Marshal(&Payload{
		TenantID:  "tenant1",
		ProjectID: "p1",
		UserID:    "u1",
		Content:   "Alice moved to Berlin last spring.",
	})
	require.NoError(t, err)

	progress := &recordingProgress{}
	result, err := h.processEpisode(processCtx("task-1"), payload, progress)
	require.NoError(t, err)
	require.Equal(t, "episode", result.EntityType)
	require.NotEmpty(t, result.EntityID)
	require.Equal(t, []int{10, 20, 30, 50, 75, 100}, progress.percents)

	episode, err := s.GetEpisode(context.Background(), result.EntityID)
	require.NoError(t, err)
	require.NotNil(t, episode)
	require.Equal(t, "tenant1", episode.TenantID)
	require.Equal(t, "Alice moved to Berlin last spring.", episode.Content)

	require.NotNil(t, result.Schema)
	require.ElementsMatch(t, []string{"PERSON", "PLACE"}, result.Schema.EntityTypes)
	require.Equal(t, []string{"LIVES_IN"}, result.Schema.EdgeTypes)
	require.Equal(t, []async.EdgeMap{{Source: "PERSON", Edge: "LIVES_IN", Target: "PLACE"}}, result.Schema.EdgeMaps)
}

func TestProcessEpisodeUIDIsDeterministicPerTask(t *testing.T) {
	extractor := &fakeExtractor{extraction: &graph.Extraction{}}
	h, _ := newTestHandler(extractor)

	payload, err := json.Marshal(&Payload{TenantID: "t", ProjectID: "p", Content: "c"})
	require.NoError(t, err)

	first, err := h.processEpisode(processCtx("task-1"), payload, &recordingProgress{})
	require.NoError(t, err)
	second, err := h.processEpisode(processCtx("task-1"), payload, &recordingProgress{})
	require.NoError(t, err)
	require.Equal(t, first.EntityID, second.EntityID)

	other, err := h.processEpisode(processCtx("task-2"), payload, &recordingProgress{})
	require.NoError(t, err)
	require.NotEqual(t, first.EntityID, other.EntityID)
}

func TestProcessEpisodeBadPayloadIsPermanent(t *testing.T) {
	h, _ := newTestHandler(&fakeExtractor{})

	_, err := h.processEpisode(processCtx("task-1"), []byte("{not json"), &recordingProgress{})
	require.Error(t, err)
	require.True(t, async.IsPermanent(err))

	payload, merr := json.Marshal(&Payload{ProjectID: "p", Content: "c"})
	require.NoError(t, merr)
	_, err = h.processEpisode(processCtx("task-1"), payload, &recordingProgress{})
	require.Error(t, err)
	require.True(t, async.IsPermanent(err))
	require.Contains(t, err.Error(), "tenant_id")
}

func TestProcessEpisodeKnownSchemaYieldsNoAdditions(t *testing.T) {
	extractor := &fakeExtractor{extraction: &graph.Extraction{
		Entities: []graph.Entity{{Name: "Alice", Type: "PERSON"}},
	}}
	h, s := newTestHandler(extractor)

	require.NoError(t, s.UpsertEntityType(context.Background(), &store.EntityType{
		ProjectID: "p1", Name: "PERSON",
		Source: store.SchemaSourceManual, Status: store.SchemaStatusEnabled,
	}))

	payload, err := json.Marshal(&Payload{TenantID: "t", ProjectID: "p1", Content: "c"})
	require.NoError(t, err)

	result, err := h.processEpisode(processCtx("task-1"), payload, &recordingProgress{})
	require.NoError(t, err)
	require.Nil(t, result.Schema)
}

func TestRebuildCommunity(t *testing.T) {
	h, _ := newTestHandler(&fakeExtractor{})

	payload, err := json.Marshal(&RebuildPayload{TenantID: "t", ProjectID: "p1"})
	require.NoError(t, err)

	progress := &recordingProgress{}
	result, err := h.rebuildCommunity(processCtx("task-1"), payload, progress)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, []int{0, 50, 100}, progress.percents)

	_, err = h.rebuildCommunity(processCtx("task-1"), []byte(`{}`), progress)
	require.Error(t, err)
	require.True(t, async.IsPermanent(err))
}
