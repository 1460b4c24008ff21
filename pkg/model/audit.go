package model

import "time"

// AccessType classifies an audited memory operation.
type AccessType string

const (
	AccessAdd         AccessType = "add"
	AccessSearch      AccessType = "search"
	AccessList        AccessType = "list"
	AccessGet         AccessType = "get"
	AccessUpdate      AccessType = "update"
	AccessDelete      AccessType = "delete"
	AccessDeleteAll   AccessType = "delete_all"
	AccessBatchUpdate AccessType = "batch_update"
	AccessBatchDelete AccessType = "batch_delete"
	AccessHistory     AccessType = "history"
)

// AccessEvent is one append-only audit record. Events are never mutated or
// deleted by the gateway.
type AccessEvent struct {
	ID         string // ULID
	MemoryID   MemoryID
	AppID      AppID
	AccessType AccessType
	Metadata   map[string]any
	AccessedAt time.Time
}
