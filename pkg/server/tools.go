package server

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memgate/memgate/pkg/service/session"
)

type addMemoriesParams struct {
	Text     string `json:"text" jsonschema:"the text to remember"`
	Metadata string `json:"metadata,omitempty" jsonschema:"JSON object with additional metadata"`
	Infer    *bool  `json:"infer,omitempty" jsonschema:"extract discrete facts before storing (default true)"`
}

type searchMemoryParams struct {
	Query   string `json:"query" jsonschema:"the search query"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 10)"`
	Filters string `json:"filters,omitempty" jsonschema:"JSON object with search filters"`
}

type memoryIDParams struct {
	MemoryID string `json:"memory_id" jsonschema:"the memory id"`
}

type updateMemoryParams struct {
	MemoryID string `json:"memory_id" jsonschema:"the memory id"`
	Text     string `json:"text" jsonschema:"the new memory text"`
	Metadata string `json:"metadata,omitempty" jsonschema:"JSON object with additional metadata"`
}

type batchUpdateParams struct {
	UpdatesJSON string `json:"updates_json" jsonschema:"JSON array of {memory_id, text} objects"`
}

type batchDeleteParams struct {
	MemoryIDsJSON string `json:"memory_ids_json" jsonschema:"JSON array of memory ids"`
}

type emptyParams struct{}

func (s *Server) registerTools(srv *mcp.Server, sess *session.Session) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "add_memories",
		Description: "Add a new memory. Supports both vector and graph memory.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *addMemoriesParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			infer := true
			if params.Infer != nil {
				infer = *params.Infer
			}
			return s.uc.AddMemories(ctx, params.Text, orEmptyObject(params.Metadata), infer)
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_memory",
		Description: "Search memories. Leverages both vector and graph search.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *searchMemoryParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			limit := params.Limit
			if limit <= 0 {
				limit = 10
			}
			return s.uc.SearchMemory(ctx, params.Query, limit, orEmptyObject(params.Filters))
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_memories",
		Description: "List all memories for the current user.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *emptyParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, s.uc.ListMemories)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_memory",
		Description: "Get a specific memory by ID.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *memoryIDParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			return s.uc.GetMemory(ctx, params.MemoryID)
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "update_memory",
		Description: "Update an existing memory.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *updateMemoryParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			return s.uc.UpdateMemory(ctx, params.MemoryID, params.Text, orEmptyObject(params.Metadata))
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_memory",
		Description: "Delete a specific memory.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *memoryIDParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			return s.uc.DeleteMemory(ctx, params.MemoryID)
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "delete_all_memories",
		Description: "Delete all memories accessible to the current client.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *emptyParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, s.uc.DeleteAllMemories)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_memory_history",
		Description: "Get the change history of a memory.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *memoryIDParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			return s.uc.GetMemoryHistory(ctx, params.MemoryID)
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_entities",
		Description: "Get all known users, agents, and sessions.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *emptyParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, s.uc.GetEntities)
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "batch_update_memories",
		Description: "Batch update multiple memories.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *batchUpdateParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			return s.uc.BatchUpdateMemories(ctx, params.UpdatesJSON)
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "batch_delete_memories",
		Description: "Batch delete multiple memories.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *batchDeleteParams) (*mcp.CallToolResult, any, error) {
		return s.invoke(ctx, sess, func(ctx context.Context) string {
			return s.uc.BatchDeleteMemories(ctx, params.MemoryIDsJSON)
		})
	})
}

// invoke brackets one tool call with the session's call accounting and binds
// the session's identity to the call context. The call runs on a context that
// survives transport cancellation: a dropped connection lets in-flight work
// finish, and the session's cleanup waits for it.
func (s *Server) invoke(ctx context.Context, sess *session.Session, call func(ctx context.Context) string) (*mcp.CallToolResult, any, error) {
	if sess != nil {
		if _, err := s.registry.BeginCall(sess.ID()); err != nil {
			return textResult("Error: session is not available"), nil, nil
		}
		defer s.registry.EndCall(sess)
		ctx = session.WithIdentity(ctx, sess.Identity())
	}

	out := call(context.WithoutCancel(ctx))
	return textResult(out), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func orEmptyObject(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}
