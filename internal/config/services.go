package config

import (
	"context"
	"fmt"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/otp"
	"contestkit.org/internal/ratelimit"
)

// TokenService builds the token service described by c.
func (c Config) TokenService() (*auth.TokenService, error) {
	opts := []auth.TokenOption{
		auth.WithAlgorithm(c.Algorithm),
		auth.WithAccessTTL(c.AccessTTL),
		auth.WithRefreshTTL(c.RefreshTTL),
	}
	if c.Issuer != "" {
		opts = append(opts, auth.WithIssuer(c.Issuer))
	}
	return auth.NewTokenService(c.TokenSecret, opts...)
}

// Limiter builds the rate limiter. The returned close func releases the
// redis client, if one was created.
func (c Config) Limiter(ctx context.Context) (*ratelimit.Limiter, func() error, error) {
	opts := []ratelimit.Option{
		ratelimit.WithTimeout(c.RedisTimeout),
		ratelimit.WithFailurePolicy(c.Policy()),
		ratelimit.WithDefaults(c.RateLimitMax, c.RateLimitWindow),
		ratelimit.WithRecordRejected(c.RecordRejected),
	}
	closer := func() error { return nil }
	kind := c.Backend()
	if kind == ratelimit.BackendRedis {
		client, err := ratelimit.NewRedisClient(c.RedisURL, c.RedisTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("redis client: %w", err)
		}
		closer = client.Close
		opts = append(opts, ratelimit.WithRedis(client))
	}
	limiter, err := ratelimit.New(ctx, kind, opts...)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return limiter, closer, nil
}

// Resolver builds the principal resolver over users.
func (c Config) Resolver(users auth.UserStore) (*auth.AccessResolver, error) {
	return auth.NewAccessResolver(users, c.CacheCapacity, auth.WithMaxAge(c.CacheTTL))
}

// OTP builds the one-time passcode service.
func (c Config) OTP() (*otp.Service, error) {
	return otp.New(
		otp.WithTTL(c.OTPTTL),
		otp.WithLength(c.OTPLength),
		otp.WithMaxAttempts(c.OTPMaxAttempts),
	)
}
