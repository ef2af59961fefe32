package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/admin/permissions/sponsor":     "/v1/admin/permissions/:role",
		"/v1/admin/ratelimit/otp_request_1": "/v1/admin/ratelimit/:key",
		"/v1/admin/ratelimit/a/b":           "/v1/admin/ratelimit/a/b",
		"/v1/admin/ratelimit/":              "/v1/admin/ratelimit/",
		"/v1/me?expand=1":                   "/v1/me",
		"/v1/auth/refresh":                  "/v1/auth/refresh",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRateLimitDecisionCounts(t *testing.T) {
	before := testutil.ToFloat64(rateLimitDecisions.WithLabelValues("memory", "rejected"))
	RateLimitDecision("memory", false)
	RateLimitDecision("memory", true)
	after := testutil.ToFloat64(rateLimitDecisions.WithLabelValues("memory", "rejected"))
	if after-before != 1 {
		t.Fatalf("expected one rejected decision, got %v", after-before)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func TestLogEventKeepsEnvelope(t *testing.T) {
	l := Logger()
	orig := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	LogEvent(LevelWarn, "backend down", map[string]any{"msg": "spoofed", "backend": "redis"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["msg"] != "backend down" || entry["level"] != LevelWarn {
		t.Fatalf("unexpected envelope: %v", entry)
	}
	if entry["backend"] != "redis" {
		t.Fatalf("expected field to be kept: %v", entry)
	}
}
