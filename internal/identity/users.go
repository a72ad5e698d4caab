// Package identity persists operator accounts in the KV store.
package identity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"kasirinaja/invoicing/internal/domain"
	"kasirinaja/invoicing/internal/store"
)

type Users struct {
	mu sync.Mutex
	kv store.KV
}

func NewUsers(kv store.KV) *Users {
	return &Users{kv: kv}
}

func (u *Users) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrInvalidInput)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	users, err := u.load(ctx)
	if err != nil {
		return err
	}
	if slices.ContainsFunc(users, func(existing domain.UserAccount) bool { return existing.Username == user.Username }) {
		return fmt.Errorf("%w: username already exists", domain.ErrInvalidInput)
	}
	users = append(users, user)
	return store.SaveCollection(ctx, u.kv, store.UsersKey, users)
}

func (u *Users) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users, err := u.load(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

func (u *Users) UpdateUserPassword(ctx context.Context, username string, password string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	users, err := u.load(ctx)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(users, func(existing domain.UserAccount) bool { return existing.Username == username })
	if idx < 0 {
		return fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	users[idx].Password = password
	return store.SaveCollection(ctx, u.kv, store.UsersKey, users)
}

func (u *Users) load(ctx context.Context) ([]domain.UserAccount, error) {
	return store.LoadCollection[domain.UserAccount](ctx, u.kv, store.UsersKey)
}
