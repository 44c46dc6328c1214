package identity

import (
	"context"
	"errors"

	"github.com/encryptor-sim/controlplane/internal/store"
)

// StoreUserRepo adapts a store.ConfigStore's user methods to UserRepo,
// translating between the persistence-layer store.User and this package's
// User. The two types are kept separate (see store.User's doc comment) so
// the store package carries no dependency on identity's business logic.
type StoreUserRepo struct {
	store store.ConfigStore
}

// NewStoreUserRepo builds a UserRepo backed by s.
func NewStoreUserRepo(s store.ConfigStore) *StoreUserRepo {
	return &StoreUserRepo{store: s}
}

func (r *StoreUserRepo) Create(ctx context.Context, u *User) error {
	su := toStoreUser(u)
	if err := r.store.CreateUser(ctx, su); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrUserExists
		}
		return err
	}
	u.ID = su.ID
	return nil
}

func (r *StoreUserRepo) Get(ctx context.Context, id int64) (*User, error) {
	su, err := r.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromStoreUser(su), nil
}

func (r *StoreUserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	su, err := r.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromStoreUser(su), nil
}

func (r *StoreUserRepo) Update(ctx context.Context, u *User) error {
	if err := r.store.UpdateUser(ctx, toStoreUser(u)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

func (r *StoreUserRepo) List(ctx context.Context) ([]*User, error) {
	rows, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*User, len(rows))
	for i, su := range rows {
		out[i] = fromStoreUser(su)
	}
	return out, nil
}

func (r *StoreUserRepo) Count(ctx context.Context) (int64, error) {
	return r.store.CountUsers(ctx)
}

func toStoreUser(u *User) *store.User {
	return &store.User{
		ID:                    u.ID,
		Username:              u.Username,
		PasswordHash:          u.PasswordHash,
		RequirePasswordChange: u.RequirePasswordChange,
		CreatedAt:             u.CreatedAt,
		LastLogin:             u.LastLogin,
	}
}

func fromStoreUser(su *store.User) *User {
	return &User{
		ID:                    su.ID,
		Username:              su.Username,
		PasswordHash:          su.PasswordHash,
		RequirePasswordChange: su.RequirePasswordChange,
		CreatedAt:             su.CreatedAt,
		LastLogin:             su.LastLogin,
	}
}
