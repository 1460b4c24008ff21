package memengine

import (
	"context"
)

// Engine is the boundary to the external memory engine. The engine owns
// memory content, ranking and graph reasoning; the gateway treats it as
// opaque beyond this surface. Implementations may fail in engine-specific
// ways but should tag structural failures with ErrMalformedResponse so the
// resilient layer can classify them without string matching.
type Engine interface {
	Add(ctx context.Context, req *AddRequest) (*Result, error)
	Search(ctx context.Context, req *SearchRequest) (*Result, error)
	GetAll(ctx context.Context, userKey string) (*Result, error)
	Get(ctx context.Context, memoryID, userKey string) (map[string]any, error)
	Update(ctx context.Context, req *UpdateRequest) (map[string]any, error)
	Delete(ctx context.Context, memoryID, userKey string) (map[string]any, error)
	DeleteAll(ctx context.Context, userKey string) (map[string]any, error)
	BatchUpdate(ctx context.Context, userKey string, updates []MemoryUpdate) (map[string]any, error)
	BatchDelete(ctx context.Context, userKey string, memoryIDs []string) (map[string]any, error)
	History(ctx context.Context, memoryID, userKey string) ([]map[string]any, error)
	Entities(ctx context.Context) ([]map[string]any, error)
}

// Generator is the engine's text generation step (fact extraction). It is the
// seam where response repair is spliced in as a decorator rather than by
// mutating engine internals.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Engine-reported events describing what happened to a memory.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

type AddRequest struct {
	Text     string         `json:"text"`
	UserKey  string         `json:"user_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Infer    bool           `json:"infer"`
}

type SearchRequest struct {
	Query   string         `json:"query"`
	UserKey string         `json:"user_id"`
	Limit   int            `json:"limit,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

type UpdateRequest struct {
	MemoryID string         `json:"memory_id"`
	Text     string         `json:"text"`
	UserKey  string         `json:"user_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type MemoryUpdate struct {
	MemoryID string `json:"memory_id"`
	Text     string `json:"text"`
}

// Relations carries graph-memory entity changes reported by the engine.
type Relations struct {
	Added   []map[string]any `json:"added_entities"`
	Deleted []map[string]any `json:"deleted_entities"`
}

// Result is the envelope returned by record-bearing engine operations.
// Individual records stay schemaless (map[string]any) so the gateway preserves
// whatever shape the engine produced.
type Result struct {
	Results    []map[string]any `json:"results"`
	Relations  *Relations       `json:"relations,omitempty"`
	Diagnostic map[string]any   `json:"diagnostic,omitempty"`
}

// Normalize ensures the results and relations keys are present so callers can
// rely on the envelope shape regardless of what the engine omitted.
func (r *Result) Normalize() *Result {
	if r.Results == nil {
		r.Results = []map[string]any{}
	}
	if r.Relations == nil {
		r.Relations = &Relations{}
	}
	if r.Relations.Added == nil {
		r.Relations.Added = []map[string]any{}
	}
	if r.Relations.Deleted == nil {
		r.Relations.Deleted = []map[string]any{}
	}
	return r
}
