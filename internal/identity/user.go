package identity

import (
	"context"
	"errors"
	"time"
)

// ErrUserNotFound is returned by UserRepo lookups that find nothing.
var ErrUserNotFound = errors.New("identity: user not found")

// ErrUserExists is returned by Create when the username is already taken.
var ErrUserExists = errors.New("identity: username already exists")

// User is the single-tier account record (spec §3): a surrogate integer id,
// a unique username, an Argon2id password hash, and the forced-rotation flag
// set on the seeded admin account and cleared after its first password
// change. There is no role or tenancy field — every account, once created,
// carries equal authority.
type User struct {
	ID                     int64
	Username               string
	PasswordHash           string
	RequirePasswordChange  bool
	CreatedAt              time.Time
	LastLogin              *time.Time
}

// UserRepo persists User records.
type UserRepo interface {
	// Create inserts a new user. Returns ErrUserExists if the username is taken.
	Create(ctx context.Context, user *User) error

	// Get retrieves a user by id. Returns ErrUserNotFound if absent.
	Get(ctx context.Context, id int64) (*User, error)

	// GetByUsername retrieves a user by username. Returns ErrUserNotFound if absent.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// Update persists changes to an existing user (password hash, rotation
	// flag, last-login timestamp).
	Update(ctx context.Context, user *User) error

	// List returns every user, ordered by id.
	List(ctx context.Context) ([]*User, error)

	// Count returns the number of users, used to decide whether bootstrap
	// seeding is needed.
	Count(ctx context.Context) (int64, error)
}
