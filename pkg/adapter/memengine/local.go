package memengine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// LocalEngine is an in-process engine used for development and tests. It
// stores memories in maps and, when a Generator is configured, extracts facts
// from input text via the generator's fact-extraction prompt. The generator
// output is parsed strictly, so malformed output surfaces as
// ErrMalformedResponse exactly like a remote engine's structural failure.
type LocalEngine struct {
	mu        sync.Mutex
	gen       Generator
	memories  map[string]map[string]*localMemory // userKey -> memoryID -> memory
	histories map[string][]map[string]any        // memoryID -> history entries
}

type localMemory struct {
	id        string
	content   string
	metadata  map[string]any
	createdAt time.Time
	updatedAt time.Time
}

var _ Engine = (*LocalEngine)(nil)

type LocalOption func(*LocalEngine)

// WithGenerator sets the fact-extraction generator used when infer is on.
func WithGenerator(g Generator) LocalOption {
	return func(e *LocalEngine) {
		e.gen = g
	}
}

// NewLocal creates an empty local engine.
func NewLocal(opts ...LocalOption) *LocalEngine {
	e := &LocalEngine{
		memories:  make(map[string]map[string]*localMemory),
		histories: make(map[string][]map[string]any),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

const factExtractionPrompt = `Extract discrete personal facts from the input below.
Respond with JSON of the form {"facts": ["fact", ...]}. If nothing is worth
remembering, respond with {"facts": []}.

Input: `

type factPayload struct {
	Facts []string `json:"facts"`
}

// extractFacts runs the generator and parses its output strictly.
func (e *LocalEngine) extractFacts(ctx context.Context, text string) ([]string, error) {
	out, err := e.gen.Generate(ctx, factExtractionPrompt+text)
	if err != nil {
		return nil, goerr.Wrap(err, "fact extraction failed")
	}

	var payload factPayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, goerr.Wrap(ErrMalformedResponse, "failed to parse fact extraction output",
			goerr.V("detail", err.Error()),
			goerr.V("output", truncate(out, 256)))
	}

	return payload.Facts, nil
}

func (e *LocalEngine) userMemories(userKey string) map[string]*localMemory {
	mems, ok := e.memories[userKey]
	if !ok {
		mems = make(map[string]*localMemory)
		e.memories[userKey] = mems
	}
	return mems
}

func (e *LocalEngine) appendHistory(memoryID, event, content string) {
	e.histories[memoryID] = append(e.histories[memoryID], map[string]any{
		"memory_id":  memoryID,
		"event":      event,
		"new_memory": content,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (e *LocalEngine) Add(ctx context.Context, req *AddRequest) (*Result, error) {
	facts := []string{req.Text}
	if req.Infer && e.gen != nil {
		extracted, err := e.extractFacts(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		facts = extracted
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mems := e.userMemories(req.UserKey)
	now := time.Now()

	results := make([]map[string]any, 0, len(facts))
	for _, fact := range facts {
		id := uuid.New().String()
		mems[id] = &localMemory{
			id:        id,
			content:   fact,
			metadata:  req.Metadata,
			createdAt: now,
			updatedAt: now,
		}
		e.appendHistory(id, EventAdd, fact)
		results = append(results, map[string]any{
			"id":     id,
			"memory": fact,
			"event":  EventAdd,
		})
	}

	return (&Result{Results: results}).Normalize(), nil
}

func (e *LocalEngine) Search(ctx context.Context, req *SearchRequest) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	query := strings.ToLower(req.Query)
	var results []map[string]any
	for _, mem := range e.memories[req.UserKey] {
		if len(results) >= limit {
			break
		}
		if query == "" || strings.Contains(strings.ToLower(mem.content), query) {
			results = append(results, mem.asMap())
		}
	}

	return (&Result{Results: results}).Normalize(), nil
}

func (e *LocalEngine) GetAll(ctx context.Context, userKey string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []map[string]any
	for _, mem := range e.memories[userKey] {
		results = append(results, mem.asMap())
	}

	return (&Result{Results: results}).Normalize(), nil
}

func (e *LocalEngine) Get(ctx context.Context, memoryID, userKey string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mem, ok := e.memories[userKey][memoryID]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no such memory", goerr.V("id", memoryID))
	}
	return mem.asMap(), nil
}

func (e *LocalEngine) Update(ctx context.Context, req *UpdateRequest) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mem, ok := e.memories[req.UserKey][req.MemoryID]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no such memory", goerr.V("id", req.MemoryID))
	}

	mem.content = req.Text
	if req.Metadata != nil {
		mem.metadata = req.Metadata
	}
	mem.updatedAt = time.Now()
	e.appendHistory(req.MemoryID, EventUpdate, req.Text)

	out := mem.asMap()
	out["event"] = EventUpdate
	return out, nil
}

func (e *LocalEngine) Delete(ctx context.Context, memoryID, userKey string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.memories[userKey][memoryID]; !ok {
		return nil, goerr.Wrap(ErrNotFound, "no such memory", goerr.V("id", memoryID))
	}

	delete(e.memories[userKey], memoryID)
	e.appendHistory(memoryID, EventDelete, "")
	return map[string]any{"message": "Memory deleted successfully"}, nil
}

func (e *LocalEngine) DeleteAll(ctx context.Context, userKey string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := len(e.memories[userKey])
	for id := range e.memories[userKey] {
		e.appendHistory(id, EventDelete, "")
	}
	delete(e.memories, userKey)
	return map[string]any{"message": "Memories deleted successfully", "count": count}, nil
}

func (e *LocalEngine) BatchUpdate(ctx context.Context, userKey string, updates []MemoryUpdate) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, u := range updates {
		mem, ok := e.memories[userKey][u.MemoryID]
		if !ok {
			continue
		}
		mem.content = u.Text
		mem.updatedAt = time.Now()
		e.appendHistory(u.MemoryID, EventUpdate, u.Text)
		count++
	}

	return map[string]any{"message": "Successfully updated memories", "count": count}, nil
}

func (e *LocalEngine) BatchDelete(ctx context.Context, userKey string, memoryIDs []string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, id := range memoryIDs {
		if _, ok := e.memories[userKey][id]; !ok {
			continue
		}
		delete(e.memories[userKey], id)
		e.appendHistory(id, EventDelete, "")
		count++
	}

	return map[string]any{"message": "Successfully deleted memories", "count": count}, nil
}

func (e *LocalEngine) History(ctx context.Context, memoryID, userKey string) ([]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	history, ok := e.histories[memoryID]
	if !ok {
		return nil, goerr.Wrap(ErrNotFound, "no history", goerr.V("id", memoryID))
	}

	out := make([]map[string]any, len(history))
	copy(out, history)
	return out, nil
}

func (e *LocalEngine) Entities(ctx context.Context) ([]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entities := make([]map[string]any, 0, len(e.memories))
	for userKey, mems := range e.memories {
		entities = append(entities, map[string]any{
			"name":         userKey,
			"type":         "user",
			"memory_count": len(mems),
		})
	}
	return entities, nil
}

func (m *localMemory) asMap() map[string]any {
	out := map[string]any{
		"id":         m.id,
		"memory":     m.content,
		"created_at": m.createdAt.UTC().Format(time.RFC3339),
		"updated_at": m.updatedAt.UTC().Format(time.RFC3339),
	}
	if m.metadata != nil {
		out["metadata"] = m.metadata
	}
	return out
}
