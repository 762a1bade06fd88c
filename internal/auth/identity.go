// Package auth carries the caller identity resolved by the HTTP pipeline.
// It performs no credential verification.
package auth

import "context"

// Identity is the authenticated caller. ID 0 is reserved for the shared
// cache scope and is never a valid user.
type Identity struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored in ctx, if any. Identities with a
// non-positive ID are reported as absent.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.ID <= 0 {
		return Identity{}, false
	}
	return id, true
}
