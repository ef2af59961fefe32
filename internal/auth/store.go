package auth

import "context"

// UserStore is the slice of the resource store the trust core needs.
// Implementations return ErrNotFound when no user matches.
type UserStore interface {
	FindUserByID(ctx context.Context, id int64) (*User, error)
	FindUserByPhone(ctx context.Context, phone string) (*User, error)
}
