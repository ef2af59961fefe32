package httpapi

import (
	"errors"
	"net/http"

	"contestkit.org/internal/audit"
	"contestkit.org/internal/auth"
)

const authHeader = "Authorization"

// adminRoute authenticates an admin credential (JWT admin or the legacy
// secret) and then runs guards.
func (a *API) adminRoute(guards ...auth.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.authenticate(true, RequireGuard(guards...)(next))
	}
}

// userRoute authenticates an access token, resolves the stored user and
// then runs guards.
func (a *API) userRoute(guards ...auth.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return a.authenticate(false, RequireGuard(guards...)(next))
	}
}

func (a *API) authenticate(admin bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearer(r.Header.Get(authHeader))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		var principal auth.Principal
		if admin {
			principal, err = a.deps.Guard.AuthenticateAdmin(r.Context(), token)
		} else {
			principal, err = a.deps.Guard.Authenticate(r.Context(), token)
		}
		if err != nil {
			if errors.Is(err, auth.ErrInsufficientPermission) {
				_ = audit.LogEvent(r.Context(), audit.EventDenied, map[string]any{
					"path":   r.URL.Path,
					"reason": err.Error(),
				})
			}
			writeFailure(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		if principal.Legacy {
			_ = audit.LogEvent(ctx, audit.EventLegacyAdminUsed, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireGuard runs guards against the principal already in the request
// context. A request without a principal is a 401.
func RequireGuard(guards ...auth.Guard) func(http.Handler) http.Handler {
	pipeline := auth.Pipeline(guards)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeFailure(w, r, &auth.CredentialError{Reason: "authentication required"})
				return
			}
			if err := pipeline.Check(principal); err != nil {
				_ = audit.LogEvent(r.Context(), audit.EventDenied, map[string]any{
					"path":   r.URL.Path,
					"reason": err.Error(),
				})
				writeFailure(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
