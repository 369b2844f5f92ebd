// Package directory holds the read-only recipient model consumed by the
// delivery engine. Users and roles are managed elsewhere (registration,
// auth); the engine only resolves audiences against them.
package directory

import "context"

// Canonical role names. Audience resolution matches these exactly.
const (
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// User is a recipient known to the bot.
type User struct {
	ID         int64
	TelegramID int64
	Email      string
	Role       string
}

// Directory lists recipients. Implementations must return users in a stable
// order; fan-out iterates in exactly the order returned.
type Directory interface {
	ListAllUsers(ctx context.Context) ([]User, error)
	ListUsersByRole(ctx context.Context, role string) ([]User, error)
}
