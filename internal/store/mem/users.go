package mem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"contestkit.org/internal/auth"
)

var _ auth.UserStore = (*Store)(nil)

// Store is an in-memory user store for development and tests.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*auth.User
	byPhone map[string]int64
}

func New() *Store {
	return &Store{
		nextID:  1,
		byID:    make(map[int64]*auth.User),
		byPhone: make(map[string]int64),
	}
}

func (s *Store) FindUserByID(_ context.Context, id int64) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*auth.User, error) {
	s.mu.RLock()
	id, ok := s.byPhone[phone]
	s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.FindUserByID(ctx, id)
}

// CreateUser inserts an active user. A duplicate phone yields auth.ErrConflict.
func (s *Store) CreateUser(_ context.Context, phone string, role auth.Role, verified bool) (*auth.User, error) {
	if !role.Valid() || role == auth.RoleRefresh {
		return nil, fmt.Errorf("%w: role %q", auth.ErrInvalidInput, role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byPhone[phone]; dup {
		return nil, auth.ErrConflict
	}
	u := &auth.User{
		ID:        s.nextID,
		Phone:     phone,
		Role:      role,
		Verified:  verified,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.nextID++
	s.byID[u.ID] = u
	s.byPhone[phone] = u.ID
	cp := *u
	return &cp, nil
}

// SetUserActive enables or disables a user.
func (s *Store) SetUserActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Active = active
	return nil
}
