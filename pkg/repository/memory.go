package repository

import (
	"context"
	"sync"
	"time"

	"github.com/memgate/memgate/pkg/model"
	"github.com/oklog/ulid/v2"
)

// MemoryRepo is an in-memory Repository for tests and ephemeral runs.
type MemoryRepo struct {
	mu       sync.Mutex
	users    map[string]*model.User // by user key
	apps     map[model.AppID]*model.App
	memories map[model.MemoryID]*model.MemoryRecord
	history  []*model.StatusChange
	events   []*model.AccessEvent
	grants   map[string]bool // appID + "/" + memoryID
	configs  map[string][]byte
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepo {
	return &MemoryRepo{
		users:    make(map[string]*model.User),
		apps:     make(map[model.AppID]*model.App),
		memories: make(map[model.MemoryID]*model.MemoryRecord),
		grants:   make(map[string]bool),
		configs:  make(map[string][]byte),
	}
}

func (r *MemoryRepo) GetOrCreateUserAndApp(ctx context.Context, userKey, appName string) (*model.User, *model.App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[userKey]
	if !ok {
		user = &model.User{
			ID:        model.NewUserID(),
			UserKey:   userKey,
			CreatedAt: time.Now().UTC(),
		}
		r.users[userKey] = user
	}

	for _, app := range r.apps {
		if app.OwnerID == user.ID && app.Name == appName {
			return user, app, nil
		}
	}

	app := &model.App{
		ID:        model.NewAppID(),
		OwnerID:   user.ID,
		Name:      appName,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	r.apps[app.ID] = app
	return user, app, nil
}

func (r *MemoryRepo) GetApp(ctx context.Context, id model.AppID) (*model.App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apps[id], nil
}

// SetAppActive toggles an app's active flag. Test helper mirroring the
// external administrative pause action.
func (r *MemoryRepo) SetAppActive(id model.AppID, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if app, ok := r.apps[id]; ok {
		app.IsActive = active
	}
}

func (r *MemoryRepo) GetMemory(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memories[id], nil
}

func (r *MemoryRepo) ListUserMemories(ctx context.Context, userID model.UserID) ([]*model.MemoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []*model.MemoryRecord
	for _, rec := range r.memories {
		if rec.UserID == userID {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (r *MemoryRepo) UpsertMemoryFromEvent(ctx context.Context, rec *model.MemoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldState model.MemoryState
	if existing, ok := r.memories[rec.ID]; ok {
		oldState = existing.State
	}

	stored := *rec
	stored.UpdatedAt = time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	r.memories[rec.ID] = &stored

	r.history = append(r.history, &model.StatusChange{
		MemoryID:  rec.ID,
		ChangedBy: rec.UserID,
		OldState:  oldState,
		NewState:  rec.State,
		ChangedAt: time.Now().UTC(),
	})
	return nil
}

func (r *MemoryRepo) MarkMemoriesDeleted(ctx context.Context, ids []model.MemoryID, changedBy model.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	deletedAt := time.Now().UTC()
	for _, id := range ids {
		rec, ok := r.memories[id]
		if !ok {
			continue
		}
		old := rec.State
		rec.State = model.MemoryStateDeleted
		rec.DeletedAt = &deletedAt
		r.history = append(r.history, &model.StatusChange{
			MemoryID:  id,
			ChangedBy: changedBy,
			OldState:  old,
			NewState:  model.MemoryStateDeleted,
			ChangedAt: deletedAt,
		})
	}
	return nil
}

func (r *MemoryRepo) AppendAccessEvents(ctx context.Context, events []*model.AccessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		stored := *ev
		if stored.ID == "" {
			stored.ID = ulid.Make().String()
		}
		if stored.AccessedAt.IsZero() {
			stored.AccessedAt = time.Now().UTC()
		}
		r.events = append(r.events, &stored)
	}
	return nil
}

// AccessEvents returns a snapshot of the audit log. Test helper.
func (r *MemoryRepo) AccessEvents() []*model.AccessEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.AccessEvent, len(r.events))
	copy(out, r.events)
	return out
}

// StatusChanges returns a snapshot of the status history. Test helper.
func (r *MemoryRepo) StatusChanges() []*model.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.StatusChange, len(r.history))
	copy(out, r.history)
	return out
}

func (r *MemoryRepo) HasAccessGrant(ctx context.Context, appID model.AppID, memoryID model.MemoryID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grants[string(appID)+"/"+string(memoryID)], nil
}

func (r *MemoryRepo) GrantAccess(ctx context.Context, appID model.AppID, memoryID model.MemoryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[string(appID)+"/"+string(memoryID)] = true
	return nil
}

func (r *MemoryRepo) GetConfig(ctx context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[key], nil
}

func (r *MemoryRepo) SetConfig(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[key] = value
	return nil
}

func (r *MemoryRepo) Close() error {
	return nil
}
