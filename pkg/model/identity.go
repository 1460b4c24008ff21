package model

import (
	"time"

	"github.com/google/uuid"
)

type UserID string

// NewUserID generates a new unique UserID
func NewUserID() UserID {
	return UserID(uuid.New().String())
}

type AppID string

// NewAppID generates a new unique AppID
func NewAppID() AppID {
	return AppID(uuid.New().String())
}

// User is a memory owner. Users are created lazily on first reference and
// never deleted by the gateway.
type User struct {
	ID        UserID
	UserKey   string // external opaque user identifier
	CreatedAt time.Time
}

// App is a client application acting on behalf of a user, keyed by
// (user, name). A paused app cannot create new memories.
type App struct {
	ID        AppID
	OwnerID   UserID
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Identity is the (user, application) pair that scopes every memory operation
// and authorization decision. Both fields are opaque external identifiers.
type Identity struct {
	UserKey    string
	ClientName string
}

// Valid reports whether both parts of the identity are present.
func (x Identity) Valid() bool {
	return x.UserKey != "" && x.ClientName != ""
}
