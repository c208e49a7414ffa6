// ABOUTME: Authenticated owner identity propagated through request handlers
// ABOUTME: Provides WithOwner/OwnerFromContext for context plumbing

package auth

import "context"

// ownerKey is the key type for storing the owner ID in context.Context.
type ownerKey struct{}

// WithOwner returns a new context carrying the authenticated owner ID.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext retrieves the authenticated owner ID, or "" if the
// request was not authenticated.
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}
