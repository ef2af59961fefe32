package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/crypto/bcrypt"

	"contestkit.org/internal/ids"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultLength      = 6
	DefaultMaxAttempts = 5
)

var (
	ErrInvalidPhone    = errors.New("otp: invalid phone number")
	ErrNoChallenge     = errors.New("otp: no active challenge")
	ErrMismatch        = errors.New("otp: code mismatch")
	ErrTooManyAttempts = errors.New("otp: too many attempts")
)

// Challenge is an issued one-time passcode. Code is only ever returned to
// the caller that must deliver it.
type Challenge struct {
	ID        string
	Phone     string
	Code      string
	ExpiresAt time.Time
}

type challenge struct {
	id        string
	hash      []byte
	expiresAt time.Time
	attempts  int
}

// Service issues and checks passcodes. Only a bcrypt hash of each code is
// kept, in a TTL cache keyed by phone; a new request replaces the old one.
type Service struct {
	mu          sync.Mutex
	cache       *ristretto.Cache[string, *challenge]
	ttl         time.Duration
	length      int
	maxAttempts int
	cost        int
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithLength(n int) Option {
	return func(s *Service) {
		if n >= 4 && n <= 10 {
			s.length = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithHashCost sets the bcrypt cost; tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New builds a Service.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		ttl:         DefaultTTL,
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
		cost:        bcrypt.DefaultCost,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *challenge]{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("otp cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Close releases the cache.
func (s *Service) Close() { s.cache.Close() }

// Request creates a challenge for phone and returns the plaintext code.
func (s *Service) Request(_ context.Context, phone string) (Challenge, error) {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return Challenge{}, err
	}
	code, err := generateCode(s.length)
	if err != nil {
		return Challenge{}, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return Challenge{}, fmt.Errorf("hash code: %w", err)
	}
	now := s.now()
	c := &challenge{id: ids.NewAt(now), hash: hash, expiresAt: now.Add(s.ttl)}

	s.mu.Lock()
	s.cache.SetWithTTL(phone, c, 1, s.ttl)
	s.cache.Wait()
	s.mu.Unlock()

	return Challenge{ID: c.id, Phone: phone, Code: code, ExpiresAt: c.expiresAt}, nil
}

// Verify checks code against phone's active challenge. Success consumes the
// challenge; the challenge is dropped once maxAttempts wrong codes were tried.
func (s *Service) Verify(_ context.Context, phone, code string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cache.Get(phone)
	if !ok || c == nil || !s.now().Before(c.expiresAt) {
		s.cache.Del(phone)
		return ErrNoChallenge
	}
	if bcrypt.CompareHashAndPassword(c.hash, []byte(strings.TrimSpace(code))) != nil {
		c.attempts++
		if c.attempts >= s.maxAttempts {
			s.cache.Del(phone)
			return ErrTooManyAttempts
		}
		return ErrMismatch
	}
	s.cache.Del(phone)
	return nil
}

// NormalizePhone strips spaces, dashes and parentheses and requires an
// optional leading + followed by 7 to 15 digits.
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidPhone
		}
	}
	out := b.String()
	digits := len(strings.TrimPrefix(out, "+"))
	if digits < 7 || digits > 15 {
		return "", ErrInvalidPhone
	}
	return out, nil
}

func generateCode(length int) (string, error) {
	ten := big.NewInt(10)
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
