// Package memory dispatches the gateway's tool surface. Every exported
// operation returns a human-readable string, never an error: preconditions,
// engine failures and unexpected faults are all converted into "Error: ..."
// payloads so one bad call can never tear down a session.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"github.com/memgate/memgate/pkg/adapter/memengine"
	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/repository"
	"github.com/memgate/memgate/pkg/service/audit"
	"github.com/memgate/memgate/pkg/service/backend"
	"github.com/memgate/memgate/pkg/service/policy"
	"github.com/memgate/memgate/pkg/service/resilient"
	"github.com/memgate/memgate/pkg/service/session"
	"github.com/memgate/memgate/pkg/utils/logging"
)

const (
	msgIdentityRequired  = "Error: user_id and client_name are required"
	msgEngineUnavailable = "Error: Memory system is currently unavailable. Please try again later."
)

// sourceApp tags every stored memory with the gateway as its origin.
const sourceApp = "memgate"

// UseCase wires the tool surface to the resilient engine client, the shadow
// repository, the access policy and the audit sink.
type UseCase struct {
	repo   repository.Repository
	holder *backend.Holder
	policy *policy.Policy
	audit  *audit.Sink
}

func New(repo repository.Repository, holder *backend.Holder) *UseCase {
	return &UseCase{
		repo:   repo,
		holder: holder,
		policy: policy.New(repo, nil),
		audit:  audit.New(repo),
	}
}

// callEnv is the resolved per-call context shared by every tool.
type callEnv struct {
	identity model.Identity
	user     *model.User
	app      *model.App
	engine   *resilient.Client
}

// begin resolves the caller's identity, the engine client and the backing
// user/app pair. A non-empty message is a precondition failure to return to
// the caller verbatim; an error is an internal fault for the wrapper to
// format.
func (u *UseCase) begin(ctx context.Context) (*callEnv, string, error) {
	identity, ok := session.IdentityFrom(ctx)
	if !ok {
		return nil, msgIdentityRequired, nil
	}

	engine, err := u.holder.Get(ctx)
	if err != nil {
		logging.From(ctx).Error("memory engine unavailable", "error", err.Error())
		return nil, msgEngineUnavailable, nil
	}

	user, app, err := u.repo.GetOrCreateUserAndApp(ctx, identity.UserKey, identity.ClientName)
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to resolve identity pair")
	}

	return &callEnv{identity: identity, user: user, app: app, engine: engine}, "", nil
}

// run executes one tool call, converting errors and panics into the
// caller-visible error string for the given verb ("adding memory", ...).
func (u *UseCase) run(ctx context.Context, verb string, fn func() (string, error)) (out string) {
	defer func() {
		if r := recover(); r != nil {
			logging.From(ctx).Error("recovered panic in tool call",
				"verb", verb, "panic", fmt.Sprint(r))
			out = fmt.Sprintf("Error %s: %v", verb, r)
		}
	}()

	result, err := fn()
	if err != nil {
		logging.From(ctx).Error("tool call failed", "verb", verb, "error", err.Error())
		return fmt.Sprintf("Error %s: %v", verb, err)
	}
	return result
}

// auditRead records access for a pure read; failures are logged, never fatal.
func (u *UseCase) auditRead(ctx context.Context, ids []model.MemoryID, appID model.AppID, accessType model.AccessType, metadata map[string]any) {
	if err := u.audit.Record(ctx, ids, appID, accessType, metadata); err != nil {
		logging.From(ctx).Warn("failed to record read access",
			"access_type", string(accessType), "error", err.Error())
	}
}

func marshalIndent(v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", goerr.Wrap(err, "failed to encode response")
	}
	return string(raw), nil
}

// AddMemories stores new text through the engine and mirrors engine-reported
// ADD/UPDATE events into the shadow store. Write responses are returned
// unfiltered: the caller sees everything it just wrote.
func (u *UseCase) AddMemories(ctx context.Context, text, metadataJSON string, infer bool) string {
	return u.run(ctx, "adding memory", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}
		if !env.app.IsActive {
			return fmt.Sprintf("Error: App %s is currently paused. Cannot create new memories.", env.app.Name), nil
		}

		userMeta, perr := parseObject(metadataJSON)
		if perr != nil {
			return fmt.Sprintf("Error parsing JSON parameters: %v", perr), nil
		}

		// Caller-provided metadata overrides the defaults.
		metadata := map[string]any{
			"source_app": sourceApp,
			"mcp_client": env.identity.ClientName,
		}
		for k, v := range userMeta {
			metadata[k] = v
		}

		result, err := env.engine.Add(ctx, &memengine.AddRequest{
			Text:     text,
			UserKey:  env.identity.UserKey,
			Metadata: metadata,
			Infer:    infer,
		})
		if err != nil {
			return "", err
		}

		touched, err := u.applyAddEvents(ctx, env, result)
		if err != nil {
			return "", err
		}
		if len(touched) > 0 {
			if err := u.audit.Record(ctx, touched, env.app.ID, model.AccessAdd,
				map[string]any{"operation": "add", "count": len(touched)}); err != nil {
				return "", err
			}
		}

		return marshalIndent(result)
	})
}

// applyAddEvents mirrors engine-reported ADD/UPDATE events into the shadow.
// The shadow changes only from these events, never from local inference.
func (u *UseCase) applyAddEvents(ctx context.Context, env *callEnv, result *memengine.Result) ([]model.MemoryID, error) {
	var touched []model.MemoryID
	for _, ev := range result.Results {
		event, _ := ev["event"].(string)
		if event != memengine.EventAdd && event != memengine.EventUpdate {
			continue
		}
		rawID, _ := ev["id"].(string)
		id, err := model.ParseMemoryID(rawID)
		if err != nil {
			logging.From(ctx).Warn("engine reported event with invalid memory id", "id", rawID)
			continue
		}
		content, _ := ev["memory"].(string)

		if err := u.repo.UpsertMemoryFromEvent(ctx, &model.MemoryRecord{
			ID:      id,
			UserID:  env.user.ID,
			AppID:   env.app.ID,
			Content: content,
			State:   model.MemoryStateActive,
		}); err != nil {
			return nil, goerr.Wrap(err, "failed to update shadow record", goerr.V("memory_id", id))
		}
		touched = append(touched, id)
	}
	return touched, nil
}

// SearchMemory queries the engine and returns only the records the caller's
// app is authorized to see.
func (u *UseCase) SearchMemory(ctx context.Context, query string, limit int, filtersJSON string) string {
	return u.run(ctx, "searching memory", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}

		filters, perr := parseObject(filtersJSON)
		if perr != nil {
			return fmt.Sprintf("Error parsing filters JSON: %v", perr), nil
		}

		result := env.engine.Search(ctx, &memengine.SearchRequest{
			Query:   query,
			UserKey: env.identity.UserKey,
			Limit:   limit,
			Filters: filters,
		})

		accessible, ids := u.policy.Filter(ctx, result.Results, env.user.ID, env.app.ID)
		if len(ids) > 0 {
			u.auditRead(ctx, ids, env.app.ID, model.AccessSearch,
				map[string]any{"query": query, "results_count": len(accessible)})
		}

		return marshalIndent(accessible)
	})
}

// ListMemories returns every engine memory the caller's app may see.
func (u *UseCase) ListMemories(ctx context.Context) string {
	return u.run(ctx, "listing memories", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}

		result := env.engine.GetAll(ctx, env.identity.UserKey)

		accessible, ids := u.policy.Filter(ctx, result.Results, env.user.ID, env.app.ID)
		if len(ids) > 0 {
			u.auditRead(ctx, ids, env.app.ID, model.AccessList,
				map[string]any{"total_count": len(accessible)})
		}

		return marshalIndent(accessible)
	})
}

// GetMemory fetches a single record by id.
func (u *UseCase) GetMemory(ctx context.Context, memoryID string) string {
	return u.run(ctx, "getting memory", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}

		record, err := env.engine.Get(ctx, memoryID, env.identity.UserKey)
		if err != nil {
			if isNotFound(err) {
				return fmt.Sprintf("Memory with ID %s not found", memoryID), nil
			}
			return "", err
		}
		if record == nil {
			return fmt.Sprintf("Memory with ID %s not found", memoryID), nil
		}

		if id, perr := model.ParseMemoryID(memoryID); perr == nil {
			u.auditRead(ctx, []model.MemoryID{id}, env.app.ID, model.AccessGet,
				map[string]any{"operation": "get_by_id"})
		}

		return marshalIndent(record)
	})
}

// UpdateMemory rewrites one memory's text through the engine.
func (u *UseCase) UpdateMemory(ctx context.Context, memoryID, text, metadataJSON string) string {
	return u.run(ctx, "updating memory", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}
		if !env.app.IsActive {
			return fmt.Sprintf("Error: App %s is currently paused. Cannot modify memories.", env.app.Name), nil
		}

		metadata, perr := parseObject(metadataJSON)
		if perr != nil {
			return fmt.Sprintf("Error parsing JSON parameters: %v", perr), nil
		}

		response, err := env.engine.Update(ctx, &memengine.UpdateRequest{
			MemoryID: memoryID,
			Text:     text,
			UserKey:  env.identity.UserKey,
			Metadata: metadata,
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Sprintf("Memory with ID %s not found or could not be updated", memoryID), nil
			}
			return "", err
		}

		if id, perr := model.ParseMemoryID(memoryID); perr == nil {
			if err := u.audit.Record(ctx, []model.MemoryID{id}, env.app.ID, model.AccessUpdate,
				map[string]any{"operation": "update_memory", "text_length": len(text)}); err != nil {
				return "", err
			}
		}

		return marshalIndent(response)
	})
}

// DeleteMemory removes one memory from the engine and marks its shadow
// record deleted.
func (u *UseCase) DeleteMemory(ctx context.Context, memoryID string) string {
	return u.run(ctx, "deleting memory", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}
		if !env.app.IsActive {
			return fmt.Sprintf("Error: App %s is currently paused. Cannot modify memories.", env.app.Name), nil
		}

		if _, err := env.engine.Delete(ctx, memoryID, env.identity.UserKey); err != nil {
			if isNotFound(err) {
				return fmt.Sprintf("Memory with ID %s not found", memoryID), nil
			}
			return "", err
		}

		// An unparseable id skips the shadow update; engine deletion already
		// happened.
		if id, perr := model.ParseMemoryID(memoryID); perr == nil {
			if rec, rerr := u.repo.GetMemory(ctx, id); rerr == nil && rec != nil {
				if err := u.repo.MarkMemoriesDeleted(ctx, []model.MemoryID{id}, env.user.ID); err != nil {
					return "", err
				}
				if err := u.audit.Record(ctx, []model.MemoryID{id}, env.app.ID, model.AccessDelete,
					map[string]any{"operation": "delete_single"}); err != nil {
					return "", err
				}
			}
		}

		return fmt.Sprintf("Successfully deleted memory %s", memoryID), nil
	})
}

// DeleteAllMemories removes every memory the caller's app may see. The count
// reflects the accessible shadow records, not the engine's total.
func (u *UseCase) DeleteAllMemories(ctx context.Context) string {
	return u.run(ctx, "deleting memories", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}
		if !env.app.IsActive {
			return fmt.Sprintf("Error: App %s is currently paused. Cannot modify memories.", env.app.Name), nil
		}

		accessible, err := u.policy.AccessibleIDs(ctx, env.user.ID, env.app.ID)
		if err != nil {
			return "", err
		}

		response := env.engine.DeleteAll(ctx, env.identity.UserKey)
		if emsg, ok := response["message"].(string); ok && isDeletionError(emsg) {
			// Engine-side failure: the shadow stays untouched so it keeps
			// following engine state.
			return "", goerr.New(emsg)
		}

		if len(accessible) > 0 {
			if err := u.repo.MarkMemoriesDeleted(ctx, accessible, env.user.ID); err != nil {
				return "", err
			}
			if err := u.audit.Record(ctx, accessible, env.app.ID, model.AccessDeleteAll,
				map[string]any{"operation": "bulk_delete", "count": len(accessible)}); err != nil {
				return "", err
			}
		}

		return fmt.Sprintf("Successfully deleted %d accessible memories", len(accessible)), nil
	})
}

// GetMemoryHistory returns the engine's change log for one memory.
func (u *UseCase) GetMemoryHistory(ctx context.Context, memoryID string) string {
	return u.run(ctx, "getting memory history", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}

		history, err := env.engine.History(ctx, memoryID, env.identity.UserKey)
		if err != nil {
			if isNotFound(err) {
				return fmt.Sprintf("No history found for memory %s", memoryID), nil
			}
			return "", err
		}
		if history == nil {
			return fmt.Sprintf("No history found for memory %s", memoryID), nil
		}

		if id, perr := model.ParseMemoryID(memoryID); perr == nil {
			u.auditRead(ctx, []model.MemoryID{id}, env.app.ID, model.AccessHistory,
				map[string]any{"operation": "get_history"})
		}

		return marshalIndent(history)
	})
}

// GetEntities lists the engine's known users, agents and sessions.
func (u *UseCase) GetEntities(ctx context.Context) string {
	return u.run(ctx, "getting entities", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}

		entities, err := env.engine.Entities(ctx)
		if err != nil {
			return "", err
		}
		if entities == nil {
			return "No entities found", nil
		}

		return marshalIndent(entities)
	})
}

// BatchUpdateMemories applies many text updates in one engine call. Entries
// with unparseable ids are skipped from audit but still forwarded.
func (u *UseCase) BatchUpdateMemories(ctx context.Context, updatesJSON string) string {
	return u.run(ctx, "in batch update", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}
		if !env.app.IsActive {
			return fmt.Sprintf("Error: App %s is currently paused. Cannot modify memories.", env.app.Name), nil
		}

		var updates []memengine.MemoryUpdate
		if perr := json.Unmarshal([]byte(updatesJSON), &updates); perr != nil {
			if json.Valid([]byte(updatesJSON)) && !isJSONArray(updatesJSON) {
				return "Error: updates must be a JSON array", nil
			}
			return fmt.Sprintf("Error parsing updates JSON: %v", perr), nil
		}

		response, err := env.engine.BatchUpdate(ctx, env.identity.UserKey, updates)
		if err != nil {
			return "", err
		}

		var touched []model.MemoryID
		for _, upd := range updates {
			if id, perr := model.ParseMemoryID(upd.MemoryID); perr == nil {
				touched = append(touched, id)
			}
		}
		if len(touched) > 0 {
			if err := u.audit.Record(ctx, touched, env.app.ID, model.AccessBatchUpdate,
				map[string]any{"operation": "batch_update", "count": len(touched)}); err != nil {
				return "", err
			}
		}

		return marshalIndent(response)
	})
}

// BatchDeleteMemories removes many memories in one engine call. The
// confirmation counts only ids that resolved to known shadow records.
func (u *UseCase) BatchDeleteMemories(ctx context.Context, memoryIDsJSON string) string {
	return u.run(ctx, "in batch delete", func() (string, error) {
		env, msg, err := u.begin(ctx)
		if err != nil || msg != "" {
			return msg, err
		}
		if !env.app.IsActive {
			return fmt.Sprintf("Error: App %s is currently paused. Cannot modify memories.", env.app.Name), nil
		}

		var memoryIDs []string
		if perr := json.Unmarshal([]byte(memoryIDsJSON), &memoryIDs); perr != nil {
			if json.Valid([]byte(memoryIDsJSON)) && !isJSONArray(memoryIDsJSON) {
				return "Error: memory_ids must be a JSON array", nil
			}
			return fmt.Sprintf("Error parsing memory_ids JSON: %v", perr), nil
		}

		if _, err := env.engine.BatchDelete(ctx, env.identity.UserKey, memoryIDs); err != nil {
			return "", err
		}

		var valid []model.MemoryID
		for _, raw := range memoryIDs {
			id, perr := model.ParseMemoryID(raw)
			if perr != nil {
				continue
			}
			if rec, rerr := u.repo.GetMemory(ctx, id); rerr == nil && rec != nil {
				valid = append(valid, id)
			}
		}
		if len(valid) > 0 {
			if err := u.repo.MarkMemoriesDeleted(ctx, valid, env.user.ID); err != nil {
				return "", err
			}
			if err := u.audit.Record(ctx, valid, env.app.ID, model.AccessBatchDelete,
				map[string]any{"operation": "batch_delete", "count": len(valid)}); err != nil {
				return "", err
			}
		}

		return fmt.Sprintf("Successfully batch deleted %d memories", len(valid)), nil
	})
}
