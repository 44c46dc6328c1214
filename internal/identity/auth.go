package identity

import "context"

// Authenticator verifies a username/password pair against a UserRepo.
type Authenticator struct {
	repo   UserRepo
	hasher *PasswordHasher
}

// NewAuthenticator builds an Authenticator over the given repository and
// password hasher.
func NewAuthenticator(repo UserRepo, hasher *PasswordHasher) *Authenticator {
	return &Authenticator{repo: repo, hasher: hasher}
}

// Authenticate looks up username and verifies password against its stored
// hash. It returns ErrUserNotFound for an unknown username and
// ErrInvalidPassword for a wrong password; callers surfacing these to an API
// client must collapse both into one generic message so a failed login never
// discloses whether the username existed.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !a.hasher.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidPassword
	}
	return user, nil
}

// ChangePassword validates the new password against the complexity and
// no-reuse rules, hashes it, clears RequirePasswordChange, and persists the
// user. Callers must have already authenticated currentPassword themselves.
func (a *Authenticator) ChangePassword(ctx context.Context, user *User, newPassword string) error {
	if err := a.hasher.ValidatePasswordChange(user.PasswordHash, newPassword); err != nil {
		return err
	}
	hash, err := a.hasher.HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.RequirePasswordChange = false
	return a.repo.Update(ctx, user)
}
