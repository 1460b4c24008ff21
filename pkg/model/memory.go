package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// ParseMemoryID validates an externally supplied memory identifier. The id
// space is owned by the engine but must always be a UUID.
func ParseMemoryID(s string) (MemoryID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", goerr.Wrap(ErrInvalidMemoryID, "not a UUID", goerr.V("id", s))
	}
	return MemoryID(s), nil
}

var ErrInvalidMemoryID = goerr.New("invalid memory id")

type MemoryState string

const (
	MemoryStateActive  MemoryState = "active"
	MemoryStatePaused  MemoryState = "paused"
	MemoryStateDeleted MemoryState = "deleted"
)

// MemoryRecord is the gateway's shadow projection of an engine-owned memory.
// Content is authoritative on the engine side; the shadow exists only for
// authorization and audit, and its state changes only from engine-reported
// events.
type MemoryRecord struct {
	ID        MemoryID
	UserID    UserID
	AppID     AppID
	Content   string
	State     MemoryState
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// StatusChange records one shadow state transition.
type StatusChange struct {
	MemoryID  MemoryID
	ChangedBy UserID
	OldState  MemoryState
	NewState  MemoryState
	ChangedAt time.Time
}
