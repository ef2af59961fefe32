package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/obs"
)

// Security-relevant events.
const (
	EventTokenIssued     = "auth.token.issued"
	EventTokenRefreshed  = "auth.token.refreshed"
	EventLegacyAdminUsed = "auth.legacy_admin.used"
	EventDenied          = "auth.denied"
	EventRateLimited     = "ratelimit.rejected"
	EventRateLimitReset  = "ratelimit.reset"
	EventSMSSent         = "admin.sms.sent"
	EventPrincipalReset  = "admin.principal.invalidated"
	EventOTPRequested    = "otp.requested"
	EventOTPVerified     = "otp.verified"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with the request id and the
// authenticated principal, if any.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["principal_id"] = p.Subject
		entry["role"] = string(p.Role)
		entry["legacy"] = p.Legacy
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
