package auth

import (
	"context"
	"errors"
	"strconv"
)

// AccessResolver resolves principals through a bounded cache and hands out
// role and permission guards.
type AccessResolver struct {
	users UserStore
	cache *Cache[Principal]
}

// NewAccessResolver returns a resolver backed by users with a cache of the
// given capacity. Pass WithMaxAge so disabled users and role changes are
// picked up without an explicit Invalidate.
func NewAccessResolver(users UserStore, capacity int, opts ...CacheOption) (*AccessResolver, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	return &AccessResolver{users: users, cache: NewCache[Principal](capacity, opts...)}, nil
}

// Resolve returns the principal for user id, loading it from the store on
// a cache miss. Missing and disabled users are not cached.
func (r *AccessResolver) Resolve(ctx context.Context, id int64) (Principal, error) {
	return r.cache.GetOrCreate(principalKey(id), func() (Principal, error) {
		u, err := r.users.FindUserByID(ctx, id)
		if err != nil {
			return Principal{}, err
		}
		if u == nil {
			return Principal{}, ErrNotFound
		}
		if !u.Active {
			return Principal{}, ErrUserDisabled
		}
		return PrincipalFromUser(u), nil
	})
}

// Invalidate forgets the cached principal for id.
func (r *AccessResolver) Invalidate(id int64) {
	r.cache.Invalidate(principalKey(id))
}

// CacheLen reports how many principals are cached.
func (r *AccessResolver) CacheLen() int { return r.cache.Len() }

// PermissionSet is the package-level PermissionSet.
func (r *AccessResolver) PermissionSet(role Role) []string { return PermissionSet(role) }

// RequireRoles is the package-level RequireRoles.
func (r *AccessResolver) RequireRoles(allowed ...Role) Guard { return RequireRoles(allowed...) }

// RequirePermissions is the package-level RequirePermissions.
func (r *AccessResolver) RequirePermissions(required ...string) Guard {
	return RequirePermissions(required...)
}

func principalKey(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}
