package memory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"github.com/memgate/memgate/pkg/adapter/memengine"
	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/repository"
	"github.com/memgate/memgate/pkg/service/backend"
	"github.com/memgate/memgate/pkg/service/session"
	"github.com/memgate/memgate/pkg/usecase/memory"
)

type fixture struct {
	repo   *repository.MemoryRepo
	engine *memengine.LocalEngine
	uc     *memory.UseCase
	ctx    context.Context
}

func newFixture(t *testing.T, opts ...backend.Option) *fixture {
	t.Helper()
	repo := repository.NewMemory()
	engine := memengine.NewLocal()

	all := append([]backend.Option{backend.WithEngine(engine)}, opts...)
	holder := backend.NewHolder(repo, all...)

	ctx := session.WithIdentity(context.Background(),
		model.Identity{UserKey: "alice", ClientName: "cursor"})

	return &fixture{
		repo:   repo,
		engine: engine,
		uc:     memory.New(repo, holder),
		ctx:    ctx,
	}
}

func addOne(t *testing.T, f *fixture, text string) string {
	t.Helper()
	out := f.uc.AddMemories(f.ctx, text, "{}", false)
	gt.S(t, out).Contains(`"results"`)

	var envelope struct {
		Results []map[string]any `json:"results"`
	}
	gt.NoError(t, json.Unmarshal([]byte(out), &envelope))
	gt.A(t, envelope.Results).Length(1)
	id, ok := envelope.Results[0]["id"].(string)
	gt.True(t, ok)
	return id
}

func TestAddMemoriesStoresAndShadows(t *testing.T) {
	f := newFixture(t)

	id := addOne(t, f, "My name is Ana")

	mid, err := model.ParseMemoryID(id)
	gt.NoError(t, err)
	rec, err := f.repo.GetMemory(f.ctx, mid)
	gt.NoError(t, err)
	gt.V(t, rec).NotNil()
	gt.Equal(t, rec.Content, "My name is Ana")
	gt.Equal(t, rec.State, model.MemoryStateActive)

	// Mutation audited.
	gt.A(t, f.repo.AccessEvents()).Length(1)
	gt.Equal(t, f.repo.AccessEvents()[0].AccessType, model.AccessAdd)
}

// brokenInferEngine fails structurally while inference is requested, like an
// engine whose extraction step emits unparseable output.
type brokenInferEngine struct {
	*memengine.LocalEngine
	calls int
}

func (e *brokenInferEngine) Add(ctx context.Context, req *memengine.AddRequest) (*memengine.Result, error) {
	e.calls++
	if req.Infer {
		return nil, goerr.Wrap(memengine.ErrMalformedResponse, "Expecting value: line 1 column 1 (char 0)")
	}
	return e.LocalEngine.Add(ctx, req)
}

func TestAddMemoriesFallsBackToDirectStorage(t *testing.T) {
	repo := repository.NewMemory()
	engine := &brokenInferEngine{LocalEngine: memengine.NewLocal()}
	holder := backend.NewHolder(repo, backend.WithEngine(engine))
	uc := memory.New(repo, holder)
	ctx := session.WithIdentity(context.Background(),
		model.Identity{UserKey: "alice", ClientName: "cursor"})

	out := uc.AddMemories(ctx, "My name is Ana", "{}", true)

	var envelope struct {
		Results []map[string]any `json:"results"`
	}
	gt.NoError(t, json.Unmarshal([]byte(out), &envelope))
	gt.A(t, envelope.Results).Longer(0)
	gt.Equal(t, envelope.Results[0]["memory"], "My name is Ana")
	gt.Number(t, engine.calls).GreaterOrEqual(2)
}

func TestAddMemoriesRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	out := f.uc.AddMemories(context.Background(), "hello", "{}", true)
	gt.Equal(t, out, "Error: user_id and client_name are required")
}

func TestAddMemoriesRejectsPausedApp(t *testing.T) {
	f := newFixture(t)

	_, app, err := f.repo.GetOrCreateUserAndApp(f.ctx, "alice", "cursor")
	gt.NoError(t, err)
	f.repo.SetAppActive(app.ID, false)

	out := f.uc.AddMemories(f.ctx, "hello", "{}", true)
	gt.Equal(t, out, "Error: App cursor is currently paused. Cannot create new memories.")
}

func TestAddMemoriesRejectsMalformedMetadata(t *testing.T) {
	f := newFixture(t)

	out := f.uc.AddMemories(f.ctx, "hello", "{not json", true)
	gt.S(t, out).Contains("Error parsing JSON parameters:")
}

func TestSearchMemoryFiltersUnauthorizedRecords(t *testing.T) {
	f := newFixture(t)

	ownID := addOne(t, f, "alice likes coffee")

	// A second record for the same user but owned by a different app. The
	// engine returns both; the policy must drop the foreign one.
	foreign, err := f.engine.Add(f.ctx, &memengine.AddRequest{
		Text: "coffee order from another app", UserKey: "alice",
	})
	gt.NoError(t, err)
	foreignID, ok := foreign.Results[0]["id"].(string)
	gt.True(t, ok)

	user, _, err := f.repo.GetOrCreateUserAndApp(f.ctx, "alice", "cursor")
	gt.NoError(t, err)
	_, otherApp, err := f.repo.GetOrCreateUserAndApp(f.ctx, "alice", "other-app")
	gt.NoError(t, err)
	gt.NoError(t, f.repo.UpsertMemoryFromEvent(f.ctx, &model.MemoryRecord{
		ID:      model.MemoryID(foreignID),
		UserID:  user.ID,
		AppID:   otherApp.ID,
		Content: "coffee order from another app",
		State:   model.MemoryStateActive,
	}))

	out := f.uc.SearchMemory(f.ctx, "coffee", 10, "{}")

	var results []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &results))
	gt.A(t, results).Length(1)
	gotID, ok := results[0]["id"].(string)
	gt.True(t, ok)
	gt.Equal(t, gotID, ownID)
}

func TestListMemories(t *testing.T) {
	f := newFixture(t)

	addOne(t, f, "first")
	addOne(t, f, "second")

	out := f.uc.ListMemories(f.ctx)
	var results []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &results))
	gt.A(t, results).Length(2)
}

func TestGetMemoryNotFoundForBadID(t *testing.T) {
	f := newFixture(t)
	before := len(f.repo.AccessEvents())

	out := f.uc.GetMemory(f.ctx, "not-a-uuid")
	gt.Equal(t, out, "Memory with ID not-a-uuid not found")
	gt.Equal(t, len(f.repo.AccessEvents()), before)
}

func TestUpdateMemory(t *testing.T) {
	f := newFixture(t)
	id := addOne(t, f, "old text")

	out := f.uc.UpdateMemory(f.ctx, id, "new text", "{}")
	gt.S(t, out).Contains("new text")

	got := f.uc.GetMemory(f.ctx, id)
	gt.S(t, got).Contains("new text")
}

func TestUpdateMemoryNotFound(t *testing.T) {
	f := newFixture(t)

	missing := model.NewMemoryID()
	out := f.uc.UpdateMemory(f.ctx, string(missing), "text", "{}")
	gt.Equal(t, out, fmt.Sprintf("Memory with ID %s not found or could not be updated", missing))
}

func TestDeleteMemory(t *testing.T) {
	f := newFixture(t)
	id := addOne(t, f, "to be deleted")

	out := f.uc.DeleteMemory(f.ctx, id)
	gt.Equal(t, out, fmt.Sprintf("Successfully deleted memory %s", id))

	rec, err := f.repo.GetMemory(f.ctx, model.MemoryID(id))
	gt.NoError(t, err)
	gt.V(t, rec).NotNil()
	gt.Equal(t, rec.State, model.MemoryStateDeleted)
}

func TestDeleteAllMemoriesZeroAccessible(t *testing.T) {
	f := newFixture(t)

	out := f.uc.DeleteAllMemories(f.ctx)
	gt.Equal(t, out, "Successfully deleted 0 accessible memories")
	gt.A(t, f.repo.AccessEvents()).Length(0)
}

func TestDeleteAllMemories(t *testing.T) {
	f := newFixture(t)
	addOne(t, f, "first")
	addOne(t, f, "second")

	out := f.uc.DeleteAllMemories(f.ctx)
	gt.Equal(t, out, "Successfully deleted 2 accessible memories")

	listed := f.uc.ListMemories(f.ctx)
	var results []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(listed), &results))
	gt.A(t, results).Length(0)
}

// brokenDeleteEngine serves writes normally but fails every bulk deletion.
type brokenDeleteEngine struct {
	*memengine.LocalEngine
}

func (e *brokenDeleteEngine) DeleteAll(ctx context.Context, userKey string) (map[string]any, error) {
	return nil, goerr.New("store unreachable")
}

func TestDeleteAllMemoriesEngineFailureLeavesShadow(t *testing.T) {
	repo := repository.NewMemory()
	engine := &brokenDeleteEngine{LocalEngine: memengine.NewLocal()}
	holder := backend.NewHolder(repo, backend.WithEngine(engine))
	uc := memory.New(repo, holder)
	ctx := session.WithIdentity(context.Background(),
		model.Identity{UserKey: "alice", ClientName: "cursor"})

	out := uc.AddMemories(ctx, "keep me", "{}", false)
	var envelope struct {
		Results []map[string]any `json:"results"`
	}
	gt.NoError(t, json.Unmarshal([]byte(out), &envelope))
	gt.A(t, envelope.Results).Length(1)
	id, ok := envelope.Results[0]["id"].(string)
	gt.True(t, ok)

	failed := uc.DeleteAllMemories(ctx)
	gt.S(t, failed).Contains("Error deleting memories:")
	gt.S(t, failed).Contains("store unreachable")

	// The shadow keeps following engine state: still active, no deletion
	// audit, no status transition.
	mid, err := model.ParseMemoryID(id)
	gt.NoError(t, err)
	rec, err := repo.GetMemory(ctx, mid)
	gt.NoError(t, err)
	gt.Equal(t, rec.State, model.MemoryStateActive)
	gt.A(t, repo.AccessEvents()).Length(1)
	gt.Equal(t, repo.AccessEvents()[0].AccessType, model.AccessAdd)
	gt.A(t, repo.StatusChanges()).Length(1)
}

func TestStatusHistoryTracksLifecycle(t *testing.T) {
	f := newFixture(t)
	id := addOne(t, f, "short lived")

	mid, err := model.ParseMemoryID(id)
	gt.NoError(t, err)

	out := f.uc.DeleteMemory(f.ctx, id)
	gt.S(t, out).Contains("Successfully deleted")

	changes := f.repo.StatusChanges()
	gt.A(t, changes).Length(2)
	gt.Equal(t, changes[0].MemoryID, mid)
	gt.Equal(t, changes[0].OldState, model.MemoryState(""))
	gt.Equal(t, changes[0].NewState, model.MemoryStateActive)
	gt.Equal(t, changes[1].MemoryID, mid)
	gt.Equal(t, changes[1].OldState, model.MemoryStateActive)
	gt.Equal(t, changes[1].NewState, model.MemoryStateDeleted)
}

func TestGetMemoryHistory(t *testing.T) {
	f := newFixture(t)
	id := addOne(t, f, "original")
	f.uc.UpdateMemory(f.ctx, id, "revised", "{}")

	out := f.uc.GetMemoryHistory(f.ctx, id)
	var history []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &history))
	gt.A(t, history).Length(2)
}

func TestGetEntities(t *testing.T) {
	f := newFixture(t)
	addOne(t, f, "a fact")

	out := f.uc.GetEntities(f.ctx)
	gt.S(t, out).Contains(`"alice"`)
}

func TestBatchUpdateMemories(t *testing.T) {
	f := newFixture(t)
	id := addOne(t, f, "old")

	updates, err := json.Marshal([]map[string]string{{"memory_id": id, "text": "renewed"}})
	gt.NoError(t, err)

	out := f.uc.BatchUpdateMemories(f.ctx, string(updates))
	gt.S(t, out).Contains("Successfully updated memories")

	got := f.uc.GetMemory(f.ctx, id)
	gt.S(t, got).Contains("renewed")
}

func TestBatchUpdateRejectsNonArray(t *testing.T) {
	f := newFixture(t)

	gt.Equal(t, f.uc.BatchUpdateMemories(f.ctx, `{"memory_id": "x"}`),
		"Error: updates must be a JSON array")
	gt.S(t, f.uc.BatchUpdateMemories(f.ctx, "not json")).
		Contains("Error parsing updates JSON:")
}

func TestBatchDeleteMemories(t *testing.T) {
	f := newFixture(t)
	first := addOne(t, f, "first")
	second := addOne(t, f, "second")

	ids, err := json.Marshal([]string{first, second, "not-a-uuid"})
	gt.NoError(t, err)

	out := f.uc.BatchDeleteMemories(f.ctx, string(ids))
	gt.Equal(t, out, "Successfully batch deleted 2 memories")

	rec, err := f.repo.GetMemory(f.ctx, model.MemoryID(first))
	gt.NoError(t, err)
	gt.Equal(t, rec.State, model.MemoryStateDeleted)
}

func TestBatchDeleteRejectsNonArray(t *testing.T) {
	f := newFixture(t)

	gt.Equal(t, f.uc.BatchDeleteMemories(f.ctx, `{"ids": []}`),
		"Error: memory_ids must be a JSON array")
}

// failingAuditRepo simulates an audit store outage.
type failingAuditRepo struct {
	*repository.MemoryRepo
}

func (r *failingAuditRepo) AppendAccessEvents(ctx context.Context, events []*model.AccessEvent) error {
	return goerr.New("disk full")
}

func TestAuditFailureFailsMutation(t *testing.T) {
	repo := &failingAuditRepo{MemoryRepo: repository.NewMemory()}
	holder := backend.NewHolder(repo, backend.WithEngine(memengine.NewLocal()))
	uc := memory.New(repo, holder)
	ctx := session.WithIdentity(context.Background(),
		model.Identity{UserKey: "alice", ClientName: "cursor"})

	out := uc.AddMemories(ctx, "must not report success", "{}", false)
	gt.S(t, out).Contains("Error adding memory:")
	gt.False(t, strings.Contains(out, `"results"`))
}

func TestAuditFailureDoesNotFailRead(t *testing.T) {
	repo := &failingAuditRepo{MemoryRepo: repository.NewMemory()}
	engine := memengine.NewLocal()
	holder := backend.NewHolder(repo, backend.WithEngine(engine))
	uc := memory.New(repo, holder)
	ctx := session.WithIdentity(context.Background(),
		model.Identity{UserKey: "alice", ClientName: "cursor"})

	// Seed engine and shadow directly; the add path would fail on audit.
	result, err := engine.Add(ctx, &memengine.AddRequest{Text: "readable", UserKey: "alice"})
	gt.NoError(t, err)
	id, ok := result.Results[0]["id"].(string)
	gt.True(t, ok)
	user, app, err := repo.GetOrCreateUserAndApp(ctx, "alice", "cursor")
	gt.NoError(t, err)
	gt.NoError(t, repo.UpsertMemoryFromEvent(ctx, &model.MemoryRecord{
		ID: model.MemoryID(id), UserID: user.ID, AppID: app.ID,
		Content: "readable", State: model.MemoryStateActive,
	}))

	out := uc.SearchMemory(ctx, "readable", 10, "{}")
	var results []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(out), &results))
	gt.A(t, results).Length(1)
}
