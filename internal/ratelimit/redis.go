package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"contestkit.org/internal/ids"
)

const DefaultKeyPrefix = "ratelimit:"

// admitScript trims, counts and records only when the request is admitted.
// KEYS[1] window key; ARGV cutoff, now, limit, ttl ms, member.
var admitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return 1
end
return 0
`)

// redisBackend stores each window as a sorted set scored by unix
// microseconds. Members are ULIDs so equal timestamps never collapse.
type redisBackend struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisClient parses a redis:// URL and applies timeout to dialing and
// every read and write.
func NewRedisClient(url string, timeout time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if timeout > 0 {
		opt.DialTimeout = timeout
		opt.ReadTimeout = timeout
		opt.WriteTimeout = timeout
	}
	return redis.NewClient(opt), nil
}

func (r *redisBackend) name() string { return BackendRedis.String() }

func (r *redisBackend) ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *redisBackend) allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time, recordRejected bool) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	k := r.prefix + key
	cut := strconv.FormatInt(cutoff(now, window), 10)
	ts := now.UnixMicro()
	member := ids.NewAt(now)
	// PEXPIRE 0 deletes the key, so sub-millisecond windows keep 1ms
	ttl := max(window, time.Millisecond)

	if !recordRejected {
		res, err := admitScript.Run(ctx, r.client, []string{k},
			cut, ts, limit, ttl.Milliseconds(), member).Int()
		if err != nil {
			return false, fmt.Errorf("redis admit %s: %w", key, err)
		}
		return res == 1, nil
	}

	// record-then-decide: the rejected request's timestamp stays in the window
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", cut)
		card = p.ZCard(ctx, k)
		p.ZAdd(ctx, k, redis.Z{Score: float64(ts), Member: member})
		p.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis pipeline %s: %w", key, err)
	}
	return card.Val() < int64(limit), nil
}

func (r *redisBackend) count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	k := r.prefix + key
	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff(now, window), 10))
		card = p.ZCard(ctx, k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", key, err)
	}
	return int(card.Val()), nil
}

func (r *redisBackend) earliest(ctx context.Context, key string, window time.Duration, now time.Time) (int64, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	k := r.prefix + key
	var first *redis.ZSliceCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff(now, window), 10))
		first = p.ZRangeWithScores(ctx, k, 0, 0)
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("redis earliest %s: %w", key, err)
	}
	entries := first.Val()
	if len(entries) == 0 {
		return 0, false, nil
	}
	return int64(entries[0].Score), true, nil
}

func (r *redisBackend) reset(ctx context.Context, key string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset %s: %w", key, err)
	}
	return nil
}

func (r *redisBackend) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}
