package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"
)

// AdminUsername is the fixed username of the seeded administrator account.
const AdminUsername = "admin"

// Bootstrap ensures the seeded admin account exists on first boot.
type Bootstrap struct {
	repo   UserRepo
	hasher *PasswordHasher
	log    *slog.Logger
}

// NewBootstrap builds a Bootstrap over the given repository and hasher.
func NewBootstrap(repo UserRepo, hasher *PasswordHasher, log *slog.Logger) *Bootstrap {
	return &Bootstrap{repo: repo, hasher: hasher, log: log}
}

// EnsureAdmin creates the "admin" account if no users exist yet, with
// RequirePasswordChange set so the operator is forced to rotate it on first
// login. If explicitPassword is empty, a random password is generated and
// logged once; it is never recoverable afterward. EnsureAdmin is idempotent:
// once any user exists, it is a no-op.
func (b *Bootstrap) EnsureAdmin(ctx context.Context, explicitPassword string) error {
	count, err := b.repo.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := explicitPassword
	generated := false
	if password == "" {
		password, err = randomPassword()
		if err != nil {
			return err
		}
		generated = true
	}

	hash, err := b.hasher.HashPassword(password)
	if err != nil {
		return err
	}

	admin := &User{
		Username:              AdminUsername,
		PasswordHash:          hash,
		RequirePasswordChange: true,
		CreatedAt:             time.Now().UTC(),
	}
	if err := b.repo.Create(ctx, admin); err != nil {
		if errors.Is(err, ErrUserExists) {
			return nil
		}
		return err
	}

	if generated {
		b.log.Warn("generated initial admin password, record it now, it will not be shown again",
			"username", AdminUsername, "password", password)
	} else {
		b.log.Info("created seeded admin account", "username", AdminUsername)
	}
	return nil
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
