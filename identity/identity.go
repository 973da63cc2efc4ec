// Package identity carries the authenticated actor through a request.
//
// The actor is an explicit context value set by Middleware after a bearer
// token verifies. Nothing reads identity from ambient process state.
package identity

import (
	"context"

	"github.com/warp/membership-ledger/ledger"
)

// Role decides which API surfaces an actor may use.
type Role string

const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// Actor is a verified identity. For members, ID is their member id.
type Actor struct {
	ID   ledger.ActorID
	Role Role
}

// IsStaff reports whether the actor may settle and read private notes.
func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

// Owns reports whether a member actor owns the given member account.
func (a Actor) Owns(member ledger.MemberID) bool {
	return a.Role == RoleMember && string(a.ID) == string(member)
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor in ctx, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	if !ok || a.ID == "" {
		return Actor{}, false
	}
	return a, true
}

// ContextProvider answers "who is acting" from the request context.
type ContextProvider struct{}

func (ContextProvider) CurrentActor(ctx context.Context) (ledger.ActorID, bool) {
	a, ok := ActorFrom(ctx)
	if !ok {
		return "", false
	}
	return a.ID, true
}
