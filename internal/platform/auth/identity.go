package auth

import (
	"context"
	"slices"
)

// Roles carried in tokens. ADMIN passes every role check.
const (
	RoleAdmin = "ADMIN"
	RoleStaff = "STAFF"
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID string
	Name   string
	Roles  []string
}

type identityKey struct{}

// WithIdentity returns a context carrying the caller's identity.
func WithIdentity(ctx context.Context, userID, name string, roles []string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{UserID: userID, Name: name, Roles: slices.Clone(roles)})
}

// IdentityFromContext returns the caller and whether one was attached.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}

func UserNameFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Name
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}
