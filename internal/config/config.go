package config

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/otp"
	"contestkit.org/internal/ratelimit"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONTESTKIT_"

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the process configuration. Precedence: defaults, then
// environment, then flags.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string
	// Migrate applies embedded user-table migrations at startup.
	Migrate bool

	TokenSecret       string
	Algorithm         string
	Issuer            string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	LegacyAdminSecret string
	CacheCapacity     int
	CacheTTL          time.Duration

	RateLimitBackend string
	RedisURL         string
	RedisTimeout     time.Duration
	FailurePolicy    string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RecordRejected   bool
	SMSMax           int
	SMSWindow        time.Duration

	OTPTTL         time.Duration
	OTPLength      int
	OTPMaxAttempts int

	FloodBurst int
	FloodRate  int
	// TrustedProxies is a comma-separated list of addresses or CIDRs
	// whose X-Forwarded-For header is believed.
	TrustedProxies string
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		GRPCAddr:         ":9090",
		Algorithm:        auth.DefaultAlgorithm,
		AccessTTL:        auth.DefaultAccessTTL,
		RefreshTTL:       auth.DefaultRefreshTTL,
		CacheCapacity:    auth.DefaultCacheCapacity,
		CacheTTL:         auth.DefaultCacheTTL,
		RateLimitBackend: "memory",
		RedisTimeout:     ratelimit.DefaultTimeout,
		FailurePolicy:    "degrade",
		RateLimitMax:     ratelimit.DefaultMaxRequests,
		RateLimitWindow:  ratelimit.DefaultWindow,
		SMSMax:           10,
		SMSWindow:        time.Hour,
		OTPTTL:           otp.DefaultTTL,
		OTPLength:        otp.DefaultLength,
		OTPMaxAttempts:   otp.DefaultMaxAttempts,
		FloodBurst:       40,
		FloodRate:        20,
	}
}

// FromEnv applies CONTESTKIT_* variables over the defaults.
func FromEnv() (Config, error) {
	c := Default()
	e := envReader{lookup: os.LookupEnv}
	e.str("HTTP_ADDR", &c.HTTPAddr)
	e.str("GRPC_ADDR", &c.GRPCAddr)
	e.str("PG_DSN", &c.PGDSN)
	e.boolean("MIGRATE", &c.Migrate)
	e.str("TOKEN_SECRET", &c.TokenSecret)
	e.str("TOKEN_ALGORITHM", &c.Algorithm)
	e.str("TOKEN_ISSUER", &c.Issuer)
	e.duration("ACCESS_TTL", &c.AccessTTL)
	e.duration("REFRESH_TTL", &c.RefreshTTL)
	e.str("LEGACY_ADMIN_SECRET", &c.LegacyAdminSecret)
	e.integer("PRINCIPAL_CACHE_CAPACITY", &c.CacheCapacity)
	e.duration("PRINCIPAL_CACHE_TTL", &c.CacheTTL)
	e.str("RATELIMIT_BACKEND", &c.RateLimitBackend)
	e.str("REDIS_URL", &c.RedisURL)
	e.duration("REDIS_TIMEOUT", &c.RedisTimeout)
	e.str("RATELIMIT_FAILURE_POLICY", &c.FailurePolicy)
	e.integer("RATELIMIT_MAX", &c.RateLimitMax)
	e.duration("RATELIMIT_WINDOW", &c.RateLimitWindow)
	e.boolean("RATELIMIT_RECORD_REJECTED", &c.RecordRejected)
	e.integer("SMS_RATELIMIT_MAX", &c.SMSMax)
	e.duration("SMS_RATELIMIT_WINDOW", &c.SMSWindow)
	e.duration("OTP_TTL", &c.OTPTTL)
	e.integer("OTP_LENGTH", &c.OTPLength)
	e.integer("OTP_MAX_ATTEMPTS", &c.OTPMaxAttempts)
	e.integer("FLOOD_BURST", &c.FloodBurst)
	e.integer("FLOOD_RATE", &c.FloodRate)
	e.str("TRUSTED_PROXIES", &c.TrustedProxies)
	if len(e.errs) > 0 {
		return c, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(e.errs...))
	}
	return c, nil
}

// Load reads the environment, then parses args with a flag set whose
// defaults are the environment values, then validates.
func Load(name string, args []string) (Config, error) {
	c, err := FromEnv()
	if err != nil {
		return c, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// RegisterFlags binds every field to fs using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC listen address (empty disables)")
	fs.StringVar(&c.PGDSN, "pg-dsn", c.PGDSN, "PostgreSQL DSN (empty uses the in-memory user store)")
	fs.BoolVar(&c.Migrate, "migrate", c.Migrate, "apply user-table migrations before serving")
	fs.StringVar(&c.TokenSecret, "token-secret", c.TokenSecret, "token signing secret")
	fs.StringVar(&c.Algorithm, "token-algorithm", c.Algorithm, "HS256, HS384 or HS512")
	fs.StringVar(&c.Issuer, "token-issuer", c.Issuer, "iss claim stamped and required on tokens")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "refresh token lifetime")
	fs.StringVar(&c.LegacyAdminSecret, "legacy-admin-secret", c.LegacyAdminSecret, "static admin secret (empty disables)")
	fs.IntVar(&c.CacheCapacity, "principal-cache-capacity", c.CacheCapacity, "principal cache capacity")
	fs.DurationVar(&c.CacheTTL, "principal-cache-ttl", c.CacheTTL, "how long a resolved principal is trusted before reloading")
	fs.StringVar(&c.RateLimitBackend, "ratelimit-backend", c.RateLimitBackend, "redis or memory")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis:// URL for the distributed rate-limit backend")
	fs.DurationVar(&c.RedisTimeout, "redis-timeout", c.RedisTimeout, "redis I/O timeout")
	fs.StringVar(&c.FailurePolicy, "ratelimit-failure-policy", c.FailurePolicy, "degrade or fail-open")
	fs.IntVar(&c.RateLimitMax, "ratelimit-max", c.RateLimitMax, "default requests per window")
	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", c.RateLimitWindow, "default sliding window")
	fs.BoolVar(&c.RecordRejected, "ratelimit-record-rejected", c.RecordRejected, "rejected requests occupy a window slot")
	fs.IntVar(&c.SMSMax, "sms-ratelimit-max", c.SMSMax, "admin SMS sends per window")
	fs.DurationVar(&c.SMSWindow, "sms-ratelimit-window", c.SMSWindow, "admin SMS window")
	fs.DurationVar(&c.OTPTTL, "otp-ttl", c.OTPTTL, "one-time passcode lifetime")
	fs.IntVar(&c.OTPLength, "otp-length", c.OTPLength, "one-time passcode digits")
	fs.IntVar(&c.OTPMaxAttempts, "otp-max-attempts", c.OTPMaxAttempts, "wrong codes before a challenge is dropped")
	fs.IntVar(&c.FloodBurst, "flood-burst", c.FloodBurst, "per-IP burst")
	fs.IntVar(&c.FloodRate, "flood-rate", c.FloodRate, "per-IP requests per second")
	fs.StringVar(&c.TrustedProxies, "trusted-proxies", c.TrustedProxies, "comma-separated proxy addresses or CIDRs allowed to set X-Forwarded-For")
}

// Validate reports every invalid field. A missing token secret wraps
// auth.ErrMissingSecret.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TokenSecret) == "" {
		errs = append(errs, auth.ErrMissingSecret)
	}
	switch strings.ToUpper(c.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("%w: %q", auth.ErrUnsupportedAlgorithm, c.Algorithm))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	} else if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("refresh ttl must exceed access ttl"))
	}
	kind, err := ratelimit.ParseBackendKind(c.RateLimitBackend)
	if err != nil {
		errs = append(errs, err)
	} else if kind == ratelimit.BackendRedis && strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("redis backend requires a redis url"))
	}
	if c.Migrate && strings.TrimSpace(c.PGDSN) == "" {
		errs = append(errs, errors.New("migrate requires a postgres dsn"))
	}
	if _, err := ratelimit.ParseFailurePolicy(c.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	positive := map[string]int{
		"principal cache capacity": c.CacheCapacity,
		"ratelimit max":            c.RateLimitMax,
		"sms ratelimit max":        c.SMSMax,
		"otp max attempts":         c.OTPMaxAttempts,
		"flood burst":              c.FloodBurst,
		"flood rate":               c.FloodRate,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimitWindow <= 0 || c.SMSWindow <= 0 || c.OTPTTL <= 0 || c.CacheTTL <= 0 {
		errs = append(errs, errors.New("windows and ttls must be positive"))
	}
	if _, err := c.Proxies(); err != nil {
		errs = append(errs, err)
	}
	if c.OTPLength < 4 || c.OTPLength > 10 {
		errs = append(errs, errors.New("otp length must be between 4 and 10"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Backend returns the parsed rate-limit backend kind.
func (c Config) Backend() ratelimit.BackendKind {
	kind, _ := ratelimit.ParseBackendKind(c.RateLimitBackend)
	return kind
}

// Policy returns the parsed rate-limit failure policy.
func (c Config) Policy() ratelimit.FailurePolicy {
	policy, _ := ratelimit.ParseFailurePolicy(c.FailurePolicy)
	return policy
}

// Proxies parses TrustedProxies. Bare addresses become single-host prefixes.
func (c Config) Proxies() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(c.TrustedProxies, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = b
}
