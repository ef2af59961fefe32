package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"contestkit.org/internal/obs"
)

const (
	bearerPrefix  = "bearer "
	legacySubject = "legacy-admin"
)

// PrincipalResolver loads a principal by numeric user id.
type PrincipalResolver interface {
	Resolve(ctx context.Context, id int64) (Principal, error)
}

// CredentialGuard turns a bearer credential into a principal. Admin surfaces
// accept either an admin access token or the legacy static secret; user
// surfaces accept access tokens only and resolve the user through the store.
type CredentialGuard struct {
	tokens       *TokenService
	resolver     PrincipalResolver
	legacyDigest []byte
}

// NewCredentialGuard builds a guard. An empty legacySecret disables the
// legacy path entirely.
func NewCredentialGuard(tokens *TokenService, resolver PrincipalResolver, legacySecret string) (*CredentialGuard, error) {
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	g := &CredentialGuard{tokens: tokens, resolver: resolver}
	if legacySecret != "" {
		sum := sha256.Sum256([]byte(legacySecret))
		g.legacyDigest = sum[:]
	}
	return g, nil
}

// ExtractBearer returns the credential from an Authorization header value.
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", invalidCredential("missing bearer token")
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", invalidCredential("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", invalidCredential("missing bearer token")
	}
	return token, nil
}

// AuthenticateAdmin admits an admin access token or the legacy secret.
// A valid access token for a non-admin role is authenticated but not
// authorized and yields a *PermissionError.
func (g *CredentialGuard) AuthenticateAdmin(_ context.Context, credential string) (Principal, error) {
	if credential == "" {
		obs.AuthFailure("missing_credential")
		return Principal{}, invalidCredential("missing bearer token")
	}
	claims, ok := g.tokens.VerifyAccess(credential)
	if ok && claims.Role == RoleAdmin {
		return principalFromClaims(claims), nil
	}
	if g.matchesLegacy(credential) {
		return Principal{
			Subject: legacySubject,
			Role:    RoleAdmin,
			Legacy:  true,
		}, nil
	}
	if ok {
		obs.AuthFailure("not_admin")
		return Principal{}, &PermissionError{
			Required: []string{string(RoleAdmin)},
			Actual:   string(claims.Role),
			Reason:   "admin access required",
		}
	}
	obs.AuthFailure("invalid_token")
	return Principal{}, invalidCredential("invalid or expired token")
}

// Authenticate admits an access token and resolves its subject through the
// principal resolver.
func (g *CredentialGuard) Authenticate(ctx context.Context, credential string) (Principal, error) {
	claims, ok := g.tokens.VerifyAccess(credential)
	if !ok {
		obs.AuthFailure("invalid_token")
		return Principal{}, invalidCredential("invalid or expired token")
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		obs.AuthFailure("invalid_subject")
		return Principal{}, invalidCredential("invalid subject format")
	}
	if g.resolver == nil {
		return Principal{}, errors.New("auth: principal resolver is not configured")
	}
	principal, err := g.resolver.Resolve(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		obs.AuthFailure("unknown_user")
		return Principal{}, invalidCredential("user not found")
	case errors.Is(err, ErrUserDisabled):
		obs.AuthFailure("disabled_user")
		return Principal{}, invalidCredential("user disabled")
	case err != nil:
		return Principal{}, fmt.Errorf("resolve principal: %w", err)
	}
	principal.Claims = claims.Extra
	return principal, nil
}

func (g *CredentialGuard) matchesLegacy(credential string) bool {
	if len(g.legacyDigest) == 0 {
		return false
	}
	sum := sha256.Sum256([]byte(credential))
	return subtle.ConstantTimeCompare(sum[:], g.legacyDigest) == 1
}

func principalFromClaims(c Claims) Principal {
	p := Principal{
		Subject:  c.Subject,
		Phone:    c.Phone,
		Role:     c.Role,
		Verified: true,
		Claims:   c.Extra,
	}
	if id, err := strconv.ParseInt(c.Subject, 10, 64); err == nil {
		p.ID = id
	}
	return p
}
