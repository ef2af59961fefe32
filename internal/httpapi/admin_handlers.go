package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contestkit.org/internal/audit"
	"contestkit.org/internal/auth"
	"contestkit.org/internal/notify"
)

const (
	adminSMSCategory = "admin_sms"
	adminSMSKey      = adminSMSCategory + ":send_sms"
)

type principalResponse struct {
	ID          int64    `json:"id"`
	Phone       string   `json:"phone"`
	Role        string   `json:"role"`
	Verified    bool     `json:"verified"`
	Permissions []string `json:"permissions"`
}

type permissionsResponse struct {
	Role        string   `json:"role"`
	Known       bool     `json:"known"`
	Permissions []string `json:"permissions"`
}

type sendSMSRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendSMSResponse struct {
	MessageID string `json:"message_id"`
}

type rateLimitStatusResponse struct {
	Key               string     `json:"key"`
	Backend           string     `json:"backend"`
	Limit             int        `json:"limit"`
	WindowSeconds     int        `json:"window_seconds"`
	Remaining         int        `json:"remaining"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, principalResponse{
		ID:          p.ID,
		Phone:       p.Phone,
		Role:        string(p.Role),
		Verified:    p.Verified,
		Permissions: p.Permissions(),
	})
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	role := auth.Role(strings.TrimSpace(r.PathValue("role")))
	perms := auth.PermissionSet(role)
	writeJSON(w, http.StatusOK, permissionsResponse{
		Role:        string(role),
		Known:       len(perms) > 0,
		Permissions: perms,
	})
}

func (a *API) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	var req sendSMSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg := notify.Message{To: strings.TrimSpace(req.To), Body: req.Body, Category: adminSMSCategory}
	if err := msg.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Limiter.Check(r.Context(), adminSMSKey, a.deps.SMSMax, a.deps.SMSWindow); err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventRateLimited, map[string]any{"key": adminSMSKey})
		writeFailure(w, r, err)
		return
	}
	id, err := a.deps.Sender.Send(r.Context(), msg)
	if errors.Is(err, notify.ErrInvalidMessage) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSMSSent, map[string]any{"message_id": id})
	writeJSON(w, http.StatusAccepted, sendSMSResponse{MessageID: id})
}

func (a *API) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit, window, err := limitParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	defLimit, defWindow := a.deps.Limiter.Defaults()
	if limit == 0 {
		limit = defLimit
	}
	if window == 0 {
		window = defWindow
	}
	resp := rateLimitStatusResponse{
		Key:           key,
		Backend:       a.deps.Limiter.Backend(),
		Limit:         limit,
		WindowSeconds: int(window / time.Second),
		Remaining:     a.deps.Limiter.Remaining(r.Context(), key, limit, window),
	}
	if reset, ok := a.deps.Limiter.ResetTime(r.Context(), key, window); ok {
		resp.ResetAt = &reset
		if resp.Remaining == 0 {
			resp.RetryAfterSeconds = int(a.deps.Limiter.RetryAfter(r.Context(), key, window) / time.Second)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := a.deps.Limiter.ResetKey(r.Context(), key); err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRateLimitReset, map[string]any{"key": key})
	w.WriteHeader(http.StatusNoContent)
}

// handleInvalidatePrincipal drops a cached principal so the next request
// reloads the user, e.g. after it was disabled out of process.
func (a *API) handleInvalidatePrincipal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	a.deps.Resolver.Invalidate(id)
	_ = audit.LogEvent(r.Context(), audit.EventPrincipalReset, map[string]any{"user_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// limitParams reads optional ?limit=&window= (seconds) overrides.
func limitParams(r *http.Request) (int, time.Duration, error) {
	q := r.URL.Query()
	var (
		limit  int
		window time.Duration
	)
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = v
	}
	if raw := strings.TrimSpace(q.Get("window")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("window must be a positive number of seconds")
		}
		window = time.Duration(v) * time.Second
	}
	return limit, window, nil
}
