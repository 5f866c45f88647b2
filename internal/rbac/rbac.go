// Package rbac holds the authorization guard for comment mutations.
package rbac

type Role string
type Action string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

const (
	ActionCreate Action = "create"
	ActionUpvote Action = "upvote"
	ActionDelete Action = "delete"
)

// Identity is the authenticated principal on whose behalf a request runs.
// Callers must only construct one from a verified session.
type Identity struct {
	UserID string
	Role   Role
}

// Decision is the tagged outcome of a guard check. Reason is set on deny.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// CanMutate decides whether identity may perform action on a resource owned
// by resourceOwnerID. Every mutation path routes through this one predicate.
func CanMutate(identity Identity, action Action, resourceOwnerID string) Decision {
	switch action {
	case ActionCreate:
		return allow()
	case ActionUpvote:
		// Repeated upvotes from the same identity are allowed; each call
		// increments.
		return allow()
	case ActionDelete:
		if identity.Role == RoleAdmin {
			return allow()
		}
		if identity.UserID == resourceOwnerID {
			return allow()
		}
		return deny("only the comment author or an admin may delete a comment")
	default:
		return deny("unknown action")
	}
}

// Normalize maps unknown role strings to the least-privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
