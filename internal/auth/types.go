package auth

import (
	"strconv"
	"time"
)

// Role is the business role carried by a token and a stored user.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleSponsor Role = "sponsor"
	RoleUser    Role = "user"
	// RoleRefresh is stamped on every refresh token so it can never stand in
	// for a business role.
	RoleRefresh Role = "refresh"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSponsor, RoleUser, RoleRefresh:
		return true
	}
	return false
}

// Kind separates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Valid reports whether k is a known token kind.
func (k Kind) Valid() bool {
	return k == KindAccess || k == KindRefresh
}

// Claims is the verified content of a session token.
type Claims struct {
	Subject   string
	Phone     string
	Role      Role
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
	// Extra holds pass-through claims. Values are strings, bools or float64.
	Extra map[string]any
}

// User is the record a resource store returns for a principal lookup.
type User struct {
	ID        int64
	Phone     string
	Role      Role
	Verified  bool
	Active    bool
	CreatedAt time.Time
}

// Principal is the authenticated identity a guard decides on.
type Principal struct {
	ID      int64
	Subject string
	Phone   string
	Role    Role
	// Verified is set for identities proven by a signed token or a verified user record.
	Verified bool
	// Legacy marks principals admitted by the static legacy secret.
	Legacy bool
	Claims map[string]any
}

// PrincipalFromUser builds the principal for a stored user.
func PrincipalFromUser(u *User) Principal {
	return Principal{
		ID:       u.ID,
		Subject:  strconv.FormatInt(u.ID, 10),
		Phone:    u.Phone,
		Role:     u.Role,
		Verified: u.Verified,
	}
}

// Permissions returns the permission set of the principal's role.
func (p Principal) Permissions() []string {
	return PermissionSet(p.Role)
}

// HasPermission reports whether the principal's role grants perm.
func (p Principal) HasPermission(perm string) bool {
	_, ok := rolePermissionIndex[p.Role][perm]
	return ok
}
