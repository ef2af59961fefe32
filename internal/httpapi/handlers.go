package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/notify"
	"contestkit.org/internal/obs"
	"contestkit.org/internal/otp"
	"contestkit.org/internal/ratelimit"
)

const serviceName = "contestkit-api"

// Pinger is anything /readyz should ping, typically the user database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe is a readiness check over optional dependencies.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// UserDirectory is the user store surface the HTTP layer needs: principal
// lookups plus enrolment on first OTP login.
type UserDirectory interface {
	auth.UserStore
	CreateUser(ctx context.Context, phone string, role auth.Role, verified bool) (*auth.User, error)
}

// Deps are the services the HTTP layer is built from.
type Deps struct {
	Tokens   *auth.TokenService
	Guard    *auth.CredentialGuard
	Resolver *auth.AccessResolver
	Users    UserDirectory
	Limiter  *ratelimit.Limiter
	OTP      *otp.Service
	Sender   notify.Sender
	Ready    ReadyProbe
	Version  string

	SMSMax     int
	SMSWindow  time.Duration
	FloodBurst int
	FloodRate  int
	// TrustedProxies may set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux  *http.ServeMux
	deps Deps
}

func New(deps Deps) (*API, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errors.New("httpapi: token service is required")
	case deps.Guard == nil:
		return nil, errors.New("httpapi: credential guard is required")
	case deps.Resolver == nil:
		return nil, errors.New("httpapi: access resolver is required")
	case deps.Users == nil:
		return nil, errors.New("httpapi: user directory is required")
	case deps.Limiter == nil:
		return nil, errors.New("httpapi: rate limiter is required")
	case deps.OTP == nil:
		return nil, errors.New("httpapi: otp service is required")
	}
	if deps.Sender == nil {
		deps.Sender = notify.LogSender{}
	}
	if deps.FloodBurst <= 0 {
		deps.FloodBurst = 40
	}
	if deps.FloodRate <= 0 {
		deps.FloodRate = 20
	}
	a := &API{mux: http.NewServeMux(), deps: deps}

	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// public auth flows
	a.mux.HandleFunc("POST /v1/auth/otp/request", a.handleOTPRequest)
	a.mux.HandleFunc("POST /v1/auth/otp/verify", a.handleOTPVerify)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)

	// user surface
	a.mux.Handle("GET /v1/me", a.userRoute(auth.RequirePermissions(auth.PermProfileManagement))(http.HandlerFunc(a.handleMe)))

	// admin surface: legacy secret accepted here
	a.mux.Handle("GET /v1/admin/permissions/{role}", a.adminRoute(auth.AdminOnly)(http.HandlerFunc(a.handlePermissions)))

	// abuse-sensitive admin surface: modern auth only
	a.mux.Handle("POST /v1/admin/sms", a.adminRoute(auth.SensitiveAdmin, auth.RequirePermissions(auth.PermSMSNotifications))(http.HandlerFunc(a.handleSendSMS)))
	a.mux.Handle("GET /v1/admin/ratelimit/{key}", a.adminRoute(auth.VerifiedAdmin)(http.HandlerFunc(a.handleRateLimitStatus)))
	a.mux.Handle("DELETE /v1/admin/ratelimit/{key}", a.adminRoute(auth.VerifiedAdmin)(http.HandlerFunc(a.handleRateLimitReset)))
	a.mux.Handle("DELETE /v1/admin/principals/{id}", a.adminRoute(auth.VerifiedAdmin)(http.HandlerFunc(a.handleInvalidatePrincipal)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.deps.FloodBurst, a.deps.FloodRate)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.deps.TrustedProxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"ratelimit_backend": a.deps.Limiter.Backend(),
	})
}
