package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memgate/memgate/pkg/adapter/memengine"
	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/repository"
	"github.com/memgate/memgate/pkg/server"
	"github.com/memgate/memgate/pkg/service/backend"
	"github.com/memgate/memgate/pkg/service/session"
	"github.com/memgate/memgate/pkg/usecase/memory"
)

type testEnv struct {
	repo     repository.Repository
	registry *session.Registry
	httpSrv  *httptest.Server
}

func newTestEnv(t *testing.T, repo repository.Repository) *testEnv {
	t.Helper()
	registry := session.NewRegistry()
	holder := backend.NewHolder(repo, backend.WithEngine(memengine.NewLocal()))
	srv := server.New(registry, memory.New(repo, holder))
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	return &testEnv{repo: repo, registry: registry, httpSrv: httpSrv}
}

func connect(t *testing.T, env *testEnv, client, user string) *mcp.ClientSession {
	t.Helper()
	c := mcp.NewClient(&mcp.Implementation{Name: "memgate-test", Version: "0.0.1"}, nil)
	cs, err := c.Connect(context.Background(), &mcp.SSEClientTransport{
		Endpoint: env.httpSrv.URL + "/mcp/" + client + "/sse/" + user,
	}, nil)
	gt.NoError(t, err)
	return cs
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	gt.A(t, res.Content).Longer(0)
	text, ok := res.Content[0].(*mcp.TextContent)
	gt.True(t, ok)
	return text.Text
}

func waitEmpty(t *testing.T, registry *session.Registry) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry not empty: %d sessions", registry.Len())
}

func TestStreamToolCalls(t *testing.T) {
	env := newTestEnv(t, repository.NewMemory())

	cs := connect(t, env, "cursor", "alice")
	gt.Equal(t, env.registry.Len(), 1)

	tools, err := cs.ListTools(context.Background(), nil)
	gt.NoError(t, err)
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	gt.True(t, names["add_memories"])
	gt.True(t, names["search_memory"])
	gt.True(t, names["batch_delete_memories"])

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "add_memories",
		Arguments: map[string]any{
			"text":  "alice prefers dark roast",
			"infer": false,
		},
	})
	gt.NoError(t, err)
	gt.S(t, toolText(t, res)).Contains(`"results"`)

	res, err = cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "search_memory",
		Arguments: map[string]any{"query": "dark roast"},
	})
	gt.NoError(t, err)
	gt.S(t, toolText(t, res)).Contains("alice prefers dark roast")

	gt.NoError(t, cs.Close())
	waitEmpty(t, env.registry)
}

func TestSessionsAreIsolatedByIdentity(t *testing.T) {
	env := newTestEnv(t, repository.NewMemory())

	alice := connect(t, env, "cursor", "alice")
	bob := connect(t, env, "cursor", "bob")
	gt.Equal(t, env.registry.Len(), 2)

	_, err := alice.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "add_memories",
		Arguments: map[string]any{"text": "alice's secret", "infer": false},
	})
	gt.NoError(t, err)

	res, err := bob.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "search_memory",
		Arguments: map[string]any{"query": "secret"},
	})
	gt.NoError(t, err)
	gt.False(t, strings.Contains(toolText(t, res), "alice's secret"))

	gt.NoError(t, alice.Close())
	gt.NoError(t, bob.Close())
	waitEmpty(t, env.registry)
}

func TestMessageBeforeStreamIsRetryableWarning(t *testing.T) {
	env := newTestEnv(t, repository.NewMemory())

	resp, err := http.Post(
		env.httpSrv.URL+"/mcp/cursor/sse/alice/messages/?sessionid=nope",
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`),
	)
	gt.NoError(t, err)
	defer resp.Body.Close()

	gt.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	gt.S(t, string(buf[:n])).Contains(`"status":"warning"`)
	gt.S(t, string(buf[:n])).Contains("session not initialized, retry")
}

func TestBareMessageEndpointAlias(t *testing.T) {
	env := newTestEnv(t, repository.NewMemory())

	resp, err := http.Post(
		env.httpSrv.URL+"/mcp/messages/?sessionid=nope",
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`),
	)
	gt.NoError(t, err)
	defer resp.Body.Close()

	gt.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	gt.S(t, string(buf[:n])).Contains(`"status":"warning"`)
}

func TestMalformedMessagePassesThrough(t *testing.T) {
	env := newTestEnv(t, repository.NewMemory())

	// No sessionid at all: a malformed request, not a warm-up race.
	resp, err := http.Post(
		env.httpSrv.URL+"/mcp/cursor/sse/alice/messages/",
		"application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`),
	)
	gt.NoError(t, err)
	defer resp.Body.Close()

	gt.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

// gatedRepo blocks batch deletion until released, simulating a slow store
// while the transport disconnects.
type gatedRepo struct {
	*repository.MemoryRepo
	gate chan struct{}
}

func (r *gatedRepo) MarkMemoriesDeleted(ctx context.Context, ids []model.MemoryID, changedBy model.UserID) error {
	<-r.gate
	return r.MemoryRepo.MarkMemoriesDeleted(ctx, ids, changedBy)
}

func TestDisconnectMidBatchDelete(t *testing.T) {
	repo := &gatedRepo{MemoryRepo: repository.NewMemory(), gate: make(chan struct{})}
	env := newTestEnv(t, repo)

	cs := connect(t, env, "cursor", "alice")

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "add_memories",
		Arguments: map[string]any{"text": "doomed memory", "infer": false},
	})
	gt.NoError(t, err)
	out := toolText(t, res)

	var id string
	if i := strings.Index(out, `"id": "`); i >= 0 {
		id = out[i+7 : i+7+36]
	}
	gt.Equal(t, len(id), 36)

	callDone := make(chan struct{})
	go func() {
		defer close(callDone)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = cs.CallTool(ctx, &mcp.CallToolParams{
			Name:      "batch_delete_memories",
			Arguments: map[string]any{"memory_ids_json": `["` + id + `"]`},
		})
	}()

	// Give the call time to reach the gated store, then drop the transport.
	time.Sleep(100 * time.Millisecond)
	_ = cs.Close()
	time.Sleep(50 * time.Millisecond)

	// The session must still be draining the in-flight call.
	close(repo.gate)

	<-callDone
	waitEmpty(t, env.registry)

	// The interrupted call still completed: shadow deleted, audit written.
	rec, err := repo.GetMemory(context.Background(), model.MemoryID(id))
	gt.NoError(t, err)
	gt.V(t, rec).NotNil()
	gt.Equal(t, rec.State, model.MemoryStateDeleted)

	events := repo.AccessEvents()
	gt.A(t, events).Longer(0)
	gt.Equal(t, events[len(events)-1].AccessType, model.AccessBatchDelete)
}
