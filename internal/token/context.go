package token

import (
	"context"
	"strings"
)

type ctxKey string

const identityKey ctxKey = "token_identity"

// ContextWithIdentity stores the verified identity in the context.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	if !ok || strings.TrimSpace(v.UserID) == "" {
		return Identity{}, false
	}
	return v, true
}
