// Package repository persists the gateway's shadow state: users, apps, shadow
// memory records, status history, audit events, access grants and engine
// configuration. Memory content is engine-owned; the shadow exists only for
// authorization and audit.
package repository

import (
	"context"

	"github.com/memgate/memgate/pkg/model"
)

// Repository defines the persistence surface for the gateway.
type Repository interface {
	// GetOrCreateUserAndApp resolves the identity pair, creating rows on
	// first reference. Idempotent.
	GetOrCreateUserAndApp(ctx context.Context, userKey, appName string) (*model.User, *model.App, error)

	// GetApp retrieves an app by ID.
	GetApp(ctx context.Context, id model.AppID) (*model.App, error)

	// GetMemory retrieves a shadow memory record, or nil if unknown.
	GetMemory(ctx context.Context, id model.MemoryID) (*model.MemoryRecord, error)

	// ListUserMemories retrieves all shadow records owned by a user.
	ListUserMemories(ctx context.Context, userID model.UserID) ([]*model.MemoryRecord, error)

	// UpsertMemoryFromEvent applies one engine-reported event to the shadow:
	// the record is created or updated and a status-history row is appended.
	// Shadow state never changes through any other path.
	UpsertMemoryFromEvent(ctx context.Context, rec *model.MemoryRecord) error

	// MarkMemoriesDeleted transitions the given shadow records to deleted,
	// appending status-history rows. Unknown ids are skipped.
	MarkMemoriesDeleted(ctx context.Context, ids []model.MemoryID, changedBy model.UserID) error

	// AppendAccessEvents durably appends audit events; all events of one call
	// commit together or none do.
	AppendAccessEvents(ctx context.Context, events []*model.AccessEvent) error

	// HasAccessGrant reports whether an explicit allow grant exists for the
	// (app, memory) pair.
	HasAccessGrant(ctx context.Context, appID model.AppID, memoryID model.MemoryID) (bool, error)

	// GrantAccess records an explicit allow grant for the (app, memory) pair.
	GrantAccess(ctx context.Context, appID model.AppID, memoryID model.MemoryID) error

	// GetConfig returns the raw JSON value stored under key, or nil if unset.
	GetConfig(ctx context.Context, key string) ([]byte, error)

	// SetConfig stores a raw JSON value under key.
	SetConfig(ctx context.Context, key string, value []byte) error

	// Close releases underlying resources.
	Close() error
}
