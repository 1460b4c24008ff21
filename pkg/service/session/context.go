package session

import (
	"context"

	"github.com/memgate/memgate/pkg/model"
)

type identityKey struct{}

// WithIdentity binds an identity to the context for the handling of one
// inbound message. The binding lives exactly as long as the derived context,
// so identity can never leak from one session's work into another's.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom retrieves the bound identity. The second return is false when
// no identity is bound or the bound identity is incomplete.
func IdentityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(model.Identity)
	if !ok || !id.Valid() {
		return model.Identity{}, false
	}
	return id, true
}
