package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/obs"
	"contestkit.org/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorPayload(w, r, code, map[string]any{"error": msg})
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeFailure maps the trust-core error taxonomy onto HTTP: invalid
// credentials are 401 with a bearer challenge, guard denials 403, rate
// limits 429 with Retry-After. Anything else is a 500.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cerr *auth.CredentialError
		perr *auth.PermissionError
		lerr *ratelimit.LimitedError
	)
	switch {
	case errors.As(err, &cerr):
		w.Header().Set("WWW-Authenticate", cerr.Challenge())
		writeError(w, r, http.StatusUnauthorized, cerr.Error())
	case errors.As(err, &perr):
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		payload := map[string]any{"error": perr.Error(), "actual": perr.Actual}
		if len(perr.Required) > 0 {
			payload["required"] = perr.Required
		}
		if len(perr.Missing) > 0 {
			payload["missing"] = perr.Missing
		}
		writeErrorPayload(w, r, http.StatusForbidden, payload)
	case errors.As(err, &lerr):
		w.Header().Set("Retry-After", strconv.Itoa(lerr.RetryAfterSeconds()))
		writeErrorPayload(w, r, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limit exceeded",
			"retry_after_seconds": lerr.RetryAfterSeconds(),
		})
	default:
		obs.LogEvent(obs.LevelError, "request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads exactly one JSON object. The body size is capped by
// MaxBodyBytes in the handler chain.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
