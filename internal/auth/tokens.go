package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"contestkit.org/internal/obs"
)

const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultAlgorithm  = "HS256"

	// tolerated clock skew for tokens minted by another replica
	issuedAtSkew = 5 * time.Second
)

var reservedClaims = map[string]struct{}{
	"sub": {}, "phone": {}, "role": {}, "type": {},
	"iat": {}, "exp": {}, "jti": {}, "iss": {}, "nbf": {}, "aud": {},
}

// TokenService mints and verifies signed session tokens. It holds no
// mutable state after construction and is safe for concurrent use.
type TokenService struct {
	secret     []byte
	method     *jwt.SigningMethodHMAC
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// TokenPair is an access token and a refresh token minted together.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService) error

// WithAlgorithm selects the HMAC signing algorithm (HS256, HS384 or HS512).
func WithAlgorithm(name string) TokenOption {
	return func(s *TokenService) error {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			return nil
		}
		method, ok := jwt.GetSigningMethod(name).(*jwt.SigningMethodHMAC)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, name)
		}
		s.method = method
		return nil
	}
}

// WithAccessTTL configures the default access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures the default refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithIssuer stamps and requires the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService builds a TokenService. An empty secret is a configuration
// error and must stop the process.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	s := &TokenService{
		secret:     []byte(secret),
		method:     jwt.SigningMethodHS256,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	s.parser = jwt.NewParser(parserOpts...)
	return s, nil
}

// Algorithm reports the configured signing algorithm.
func (s *TokenService) Algorithm() string { return s.method.Alg() }

// Issue signs a token for the principal. A zero ttl selects the default
// lifetime for kind; a negative ttl yields an already expired token.
func (s *TokenService) Issue(subject, phone string, role Role, kind Kind, extra map[string]any, ttl time.Duration) (string, error) {
	token, _, err := s.issue(subject, phone, role, kind, extra, ttl)
	return token, err
}

func (s *TokenService) issue(subject, phone string, role Role, kind Kind, extra map[string]any, ttl time.Duration) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if !kind.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	if ttl == 0 {
		ttl = s.accessTTL
		if kind == KindRefresh {
			ttl = s.refreshTTL
		}
	}

	now := s.now()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{}
	for k, v := range extra {
		if _, reserved := reservedClaims[k]; reserved {
			return "", time.Time{}, fmt.Errorf("%w: claim %q is reserved", ErrInvalidInput, k)
		}
		if !isPrimitive(v) {
			return "", time.Time{}, fmt.Errorf("%w: claim %q must be a string, bool or number", ErrInvalidInput, k)
		}
		claims[k] = v
	}
	claims["sub"] = subject
	claims["phone"] = phone
	claims["role"] = string(role)
	claims["type"] = string(kind)
	claims["iat"] = now.Unix()
	claims["exp"] = exp.Unix()
	claims["jti"] = uuid.NewString()
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	obs.TokenIssued(string(kind))
	return signed, time.Unix(exp.Unix(), 0), nil
}

// Verify checks signature, structure, kind and expiry. Any failure yields
// ok=false; nothing about the failure is reported to the caller.
func (s *TokenService) Verify(token string, expected Kind) (Claims, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, false
	}
	parsed, err := s.parser.Parse(token, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, false
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, false
	}
	claims, err := claimsFromMap(mc)
	if err != nil {
		return Claims{}, false
	}
	if claims.Kind != expected {
		return Claims{}, false
	}
	now := s.now()
	if !now.Before(claims.ExpiresAt) {
		return Claims{}, false
	}
	if claims.IssuedAt.After(now.Add(issuedAtSkew)) {
		return Claims{}, false
	}
	return claims, true
}

// VerifyAccess is Verify(token, KindAccess).
func (s *TokenService) VerifyAccess(token string) (Claims, bool) {
	return s.Verify(token, KindAccess)
}

// IssuePair mints an access token with role and a refresh token whose role
// is always RoleRefresh.
func (s *TokenService) IssuePair(subject, phone string, role Role) (TokenPair, error) {
	access, accessExp, err := s.issue(subject, phone, role, KindAccess, nil, 0)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.issue(subject, phone, RoleRefresh, KindRefresh, nil, 0)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The new
// token always carries RoleUser; elevated roles are not retained.
func (s *TokenService) Refresh(refreshToken string) (string, bool) {
	claims, ok := s.Verify(refreshToken, KindRefresh)
	if !ok {
		return "", false
	}
	token, err := s.Issue(claims.Subject, claims.Phone, RoleUser, KindAccess, nil, 0)
	if err != nil {
		return "", false
	}
	return token, true
}

func claimsFromMap(mc jwt.MapClaims) (Claims, error) {
	sub, err := mc.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Claims{}, errors.New("subject missing")
	}
	role, _ := mc["role"].(string)
	if !Role(role).Valid() {
		return Claims{}, errors.New("role missing")
	}
	kind, _ := mc["type"].(string)
	if !Kind(kind).Valid() {
		return Claims{}, errors.New("type missing")
	}
	phone, ok := mc["phone"].(string)
	if _, present := mc["phone"]; present && !ok {
		return Claims{}, errors.New("phone malformed")
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return Claims{}, errors.New("exp missing")
	}
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return Claims{}, errors.New("iat missing")
	}
	jti, _ := mc["jti"].(string)

	var extra map[string]any
	for k, v := range mc {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return Claims{
		Subject:   sub,
		Phone:     phone,
		Role:      Role(role),
		Kind:      Kind(kind),
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		ID:        jti,
		Extra:     extra,
	}, nil
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return true
	}
	return false
}
