package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"contestkit.org/internal/obs"
)

const (
	DefaultMaxRequests = 5
	DefaultWindow      = 300 * time.Second
	DefaultTimeout     = 250 * time.Millisecond
	// DefaultRetryAfter is reported when a key's earliest entry is unknown.
	DefaultRetryAfter = 60 * time.Second
)

var (
	ErrLimited        = errors.New("ratelimit: limit exceeded")
	ErrInvalidBackend = errors.New("ratelimit: invalid backend configuration")
)

// LimitedError is a rejected admission with the wait before the next slot.
type LimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", ErrLimited, e.Key, e.RetryAfter)
}

func (e *LimitedError) Unwrap() error { return ErrLimited }

// RetryAfterSeconds is the Retry-After header value.
func (e *LimitedError) RetryAfterSeconds() int { return int(e.RetryAfter / time.Second) }

// BackendKind selects where windows are stored.
type BackendKind int

const (
	BackendMemory BackendKind = iota
	BackendRedis
)

func (k BackendKind) String() string {
	if k == BackendRedis {
		return "redis"
	}
	return "memory"
}

// ParseBackendKind accepts "redis" or "memory".
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redis":
		return BackendRedis, nil
	case "memory", "":
		return BackendMemory, nil
	}
	return BackendMemory, fmt.Errorf("%w: unknown backend %q", ErrInvalidBackend, s)
}

// FailurePolicy governs a call whose distributed backend round trip fails.
type FailurePolicy int

const (
	// Degrade answers the failed call from the in-process backend.
	Degrade FailurePolicy = iota
	// FailOpen admits the failed call.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail-open"
	}
	return "degrade"
}

// ParseFailurePolicy accepts "degrade" or "fail-open".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "degrade", "":
		return Degrade, nil
	case "fail-open", "failopen", "open":
		return FailOpen, nil
	}
	return Degrade, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidBackend, s)
}

type backend interface {
	name() string
	allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time, recordRejected bool) (bool, error)
	count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	earliest(ctx context.Context, key string, window time.Duration, now time.Time) (int64, bool, error)
	reset(ctx context.Context, key string) error
}

// Limiter is sliding-window admission control. The backend is chosen once
// by New and never re-probed; the in-process backend is always present to
// absorb per-call distributed failures under Degrade.
type Limiter struct {
	primary        backend
	fallback       *memoryBackend
	policy         FailurePolicy
	maxRequests    int
	window         time.Duration
	recordRejected bool
	now            func() time.Time
}

type settings struct {
	client         redis.UniversalClient
	prefix         string
	timeout        time.Duration
	policy         FailurePolicy
	maxRequests    int
	window         time.Duration
	recordRejected bool
	now            func() time.Time
}

// Option configures a Limiter.
type Option func(*settings)

// WithRedis supplies the client for BackendRedis.
func WithRedis(client redis.UniversalClient) Option {
	return func(s *settings) { s.client = client }
}

// WithKeyPrefix namespaces distributed keys. Defaults to DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *settings) { s.prefix = prefix }
}

// WithTimeout bounds every distributed round trip, including the startup probe.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithFailurePolicy sets the per-call failure policy.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *settings) { s.policy = p }
}

// WithDefaults sets the limit and window used when a call passes zero.
func WithDefaults(maxRequests int, window time.Duration) Option {
	return func(s *settings) {
		if maxRequests > 0 {
			s.maxRequests = maxRequests
		}
		if window > 0 {
			s.window = window
		}
	}
}

// WithRecordRejected makes rejected calls occupy a slot in the window, in
// both backends.
func WithRecordRejected(record bool) Option {
	return func(s *settings) { s.recordRejected = record }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *settings) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New builds a limiter. For BackendRedis the client is pinged once; if the
// probe fails the limiter runs on the in-process backend for its lifetime.
func New(ctx context.Context, kind BackendKind, opts ...Option) (*Limiter, error) {
	s := settings{
		prefix:      DefaultKeyPrefix,
		timeout:     DefaultTimeout,
		maxRequests: DefaultMaxRequests,
		window:      DefaultWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	l := &Limiter{
		fallback:       newMemoryBackend(),
		policy:         s.policy,
		maxRequests:    s.maxRequests,
		window:         s.window,
		recordRejected: s.recordRejected,
		now:            s.now,
	}
	l.primary = l.fallback

	if kind == BackendRedis {
		if s.client == nil {
			return nil, fmt.Errorf("%w: redis backend requires a client", ErrInvalidBackend)
		}
		rb := &redisBackend{client: s.client, prefix: s.prefix, timeout: s.timeout}
		if err := rb.ping(ctx); err != nil {
			obs.Warn("ratelimit backend unreachable, using in-process windows", map[string]any{
				"backend": rb.name(),
				"error":   err.Error(),
			})
		} else {
			l.primary = rb
		}
	}
	obs.SetRateLimitBackend(l.primary.name())
	obs.Info("ratelimit backend selected", map[string]any{
		"backend":         l.primary.name(),
		"failure_policy":  l.policy.String(),
		"record_rejected": l.recordRejected,
		"max_requests":    l.maxRequests,
		"window_seconds":  int(l.window / time.Second),
	})
	return l, nil
}

// Backend reports the active backend name.
func (l *Limiter) Backend() string { return l.primary.name() }

// Defaults returns the configured limit and window.
func (l *Limiter) Defaults() (int, time.Duration) { return l.maxRequests, l.window }

// IsAllowed admits or rejects one request for key. Zero limit or window
// selects the configured default. Backend errors never reach the caller.
func (l *Limiter) IsAllowed(ctx context.Context, key string, limit int, window time.Duration) bool {
	limit, window = l.resolve(limit, window)
	now := l.now()
	allowed, err := l.primary.allow(ctx, key, limit, window, now, l.recordRejected)
	name := l.primary.name()
	if err != nil {
		l.backendFailed(key, err)
		if l.policy == FailOpen {
			allowed = true
		} else {
			name = l.fallback.name()
			allowed, _ = l.fallback.allow(ctx, key, limit, window, now, l.recordRejected)
		}
	}
	obs.RateLimitDecision(name, allowed)
	return allowed
}

// Check is IsAllowed for guard-style callers: a rejection is a *LimitedError.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) error {
	if l.IsAllowed(ctx, key, limit, window) {
		return nil
	}
	return &LimitedError{Key: key, RetryAfter: l.RetryAfter(ctx, key, window)}
}

// Remaining reports how many more requests key may make right now.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) int {
	limit, window = l.resolve(limit, window)
	now := l.now()
	n, err := l.primary.count(ctx, key, window, now)
	if err != nil {
		l.backendFailed(key, err)
		if l.policy == FailOpen {
			return limit
		}
		n, _ = l.fallback.count(ctx, key, window, now)
	}
	if n >= limit {
		return 0
	}
	return limit - n
}

// ResetTime reports when the oldest request in key's window expires. A key
// with no recorded requests has no reset time.
func (l *Limiter) ResetTime(ctx context.Context, key string, window time.Duration) (time.Time, bool) {
	_, window = l.resolve(0, window)
	now := l.now()
	ts, ok, err := l.primary.earliest(ctx, key, window, now)
	if err != nil {
		l.backendFailed(key, err)
		if l.policy == FailOpen {
			return time.Time{}, false
		}
		ts, ok, _ = l.fallback.earliest(ctx, key, window, now)
	}
	if !ok {
		return time.Time{}, false
	}
	return resetAt(ts, window), true
}

// RetryAfter is the whole-second wait until key regains a slot, at least
// one second, or DefaultRetryAfter when it cannot be determined.
func (l *Limiter) RetryAfter(ctx context.Context, key string, window time.Duration) time.Duration {
	reset, ok := l.ResetTime(ctx, key, window)
	if !ok {
		return DefaultRetryAfter
	}
	return retryAfter(reset, l.now())
}

// ResetKey deletes every recorded request for key in the active backend.
func (l *Limiter) ResetKey(ctx context.Context, key string) error {
	err := l.primary.reset(ctx, key)
	if l.primary != backend(l.fallback) {
		// degraded calls may have recorded here
		_ = l.fallback.reset(ctx, key)
	}
	if err != nil {
		l.backendFailed(key, err)
		return err
	}
	return nil
}

func (l *Limiter) resolve(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = l.maxRequests
	}
	if window <= 0 {
		window = l.window
	}
	return limit, window
}

func (l *Limiter) backendFailed(key string, err error) {
	obs.RateLimitBackendError(l.primary.name())
	obs.Warn("ratelimit backend call failed", map[string]any{
		"backend": l.primary.name(),
		"policy":  l.policy.String(),
		"key":     key,
		"error":   err.Error(),
	})
}
