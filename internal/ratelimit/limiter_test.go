package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newMemoryLimiter(t *testing.T, clock *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	l, err := New(context.Background(), BackendMemory, opts...)
	require.NoError(t, err)
	return l
}

func newRedisLimiter(t *testing.T, clock *fakeClock, opts ...Option) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append([]Option{WithClock(clock.Now), WithRedis(newRedisClient(t, mr))}, opts...)
	l, err := New(context.Background(), BackendRedis, opts...)
	require.NoError(t, err)
	require.Equal(t, "redis", l.Backend())
	return l, mr
}

func TestSlidingWindowSingleKey(t *testing.T) {
	for _, kind := range []BackendKind{BackendMemory, BackendRedis} {
		t.Run(kind.String(), func(t *testing.T) {
			clock := newFakeClock()
			var l *Limiter
			if kind == BackendRedis {
				l, _ = newRedisLimiter(t, clock)
			} else {
				l = newMemoryLimiter(t, clock)
			}
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				assert.True(t, l.IsAllowed(ctx, "otp_request_+15550100", 5, 300*time.Second), "call %d", i+1)
				clock.Advance(time.Second)
			}
			assert.False(t, l.IsAllowed(ctx, "otp_request_+15550100", 5, 300*time.Second), "6th call")
			assert.True(t, l.IsAllowed(ctx, "otp_request_unknown", 5, 300*time.Second), "other keys are independent")

			// first call was at t0; at t0+300s it has left the window
			clock.Advance(295 * time.Second)
			assert.True(t, l.IsAllowed(ctx, "otp_request_+15550100", 5, 300*time.Second))
			assert.False(t, l.IsAllowed(ctx, "otp_request_+15550100", 5, 300*time.Second))
		})
	}
}

func TestConcurrentFreshKeyAdmitsExactlyLimit(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock)
	ctx := context.Background()

	const callers = 64
	var (
		admitted atomic.Int32
		start    = make(chan struct{})
		wg       sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.IsAllowed(ctx, "admin_sms:send_sms", 5, 300*time.Second) {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(5), admitted.Load())
	assert.Equal(t, 0, l.Remaining(ctx, "admin_sms:send_sms", 5, 300*time.Second))
}

func TestConcurrentFreshKeyRedis(t *testing.T) {
	clock := newFakeClock()
	l, _ := newRedisLimiter(t, clock)
	ctx := context.Background()

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.IsAllowed(ctx, "burst", 5, time.Minute) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(5), admitted.Load())
}

func TestBackendEquivalence(t *testing.T) {
	steps := []time.Duration{0, time.Second, 0, 2 * time.Second, 10 * time.Second, 0, 0, 30 * time.Second, 20 * time.Second, 0, 5 * time.Second, 0}

	run := func(l *Limiter, clock *fakeClock) []bool {
		var out []bool
		for _, step := range steps {
			clock.Advance(step)
			out = append(out, l.IsAllowed(context.Background(), "k", 3, time.Minute))
		}
		return out
	}

	for _, record := range []bool{false, true} {
		memClock, redisClock := newFakeClock(), newFakeClock()
		mem := newMemoryLimiter(t, memClock, WithRecordRejected(record))
		dist, _ := newRedisLimiter(t, redisClock, WithRecordRejected(record))

		assert.Equal(t, run(mem, memClock), run(dist, redisClock), "record rejected = %v", record)
	}
}

func TestRecordRejectedKeepsKeyLimited(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock, WithRecordRejected(true))
	ctx := context.Background()

	require.True(t, l.IsAllowed(ctx, "k", 1, 10*time.Second))
	clock.Advance(9 * time.Second)
	require.False(t, l.IsAllowed(ctx, "k", 1, 10*time.Second))
	// the admitted entry expired but the rejected one is still in the window
	clock.Advance(2 * time.Second)
	assert.False(t, l.IsAllowed(ctx, "k", 1, 10*time.Second))
}

func TestIntrospection(t *testing.T) {
	for _, kind := range []BackendKind{BackendMemory, BackendRedis} {
		t.Run(kind.String(), func(t *testing.T) {
			clock := newFakeClock()
			var l *Limiter
			if kind == BackendRedis {
				l, _ = newRedisLimiter(t, clock)
			} else {
				l = newMemoryLimiter(t, clock)
			}
			ctx := context.Background()
			t0 := clock.Now()

			_, ok := l.ResetTime(ctx, "fresh", 0)
			assert.False(t, ok, "fresh key has no reset time")
			assert.Equal(t, DefaultRetryAfter, l.RetryAfter(ctx, "fresh", 0))
			assert.Equal(t, 5, l.Remaining(ctx, "fresh", 0, 0))

			for i := 0; i < 5; i++ {
				require.True(t, l.IsAllowed(ctx, "k", 0, 0))
			}
			clock.Advance(10 * time.Second)

			reset, ok := l.ResetTime(ctx, "k", 0)
			require.True(t, ok)
			assert.True(t, reset.Equal(t0.Add(DefaultWindow)), "reset %v", reset)
			assert.Equal(t, 290*time.Second, l.RetryAfter(ctx, "k", 0))
			assert.Equal(t, 0, l.Remaining(ctx, "k", 0, 0))

			err := l.Check(ctx, "k", 0, 0)
			var limited *LimitedError
			require.ErrorAs(t, err, &limited)
			assert.True(t, errors.Is(err, ErrLimited))
			assert.Equal(t, 290, limited.RetryAfterSeconds())

			require.NoError(t, l.ResetKey(ctx, "k"))
			assert.Equal(t, 5, l.Remaining(ctx, "k", 0, 0))
			assert.NoError(t, l.Check(ctx, "k", 0, 0))
		})
	}
}

func TestRetryAfterIsAtLeastOneSecond(t *testing.T) {
	now := time.Unix(100, 0)
	assert.Equal(t, time.Second, retryAfter(now.Add(200*time.Millisecond), now))
	assert.Equal(t, time.Second, retryAfter(now.Add(-time.Second), now))
	assert.Equal(t, 3*time.Second, retryAfter(now.Add(2100*time.Millisecond), now))
}

func TestUnreachableRedisSelectsMemoryAtStartup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := newRedisClient(t, mr)
	mr.Close()

	l, err := New(context.Background(), BackendRedis, WithRedis(client), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "memory", l.Backend())
	assert.True(t, l.IsAllowed(context.Background(), "k", 1, time.Minute))
	assert.False(t, l.IsAllowed(context.Background(), "k", 1, time.Minute))
}

func TestRedisRequiresClient(t *testing.T) {
	_, err := New(context.Background(), BackendRedis)
	require.ErrorIs(t, err, ErrInvalidBackend)
}

func TestPerCallFailurePolicies(t *testing.T) {
	t.Run("degrade", func(t *testing.T) {
		clock := newFakeClock()
		l, mr := newRedisLimiter(t, clock, WithTimeout(50*time.Millisecond))
		mr.Close()
		ctx := context.Background()

		assert.True(t, l.IsAllowed(ctx, "k", 1, time.Minute))
		assert.False(t, l.IsAllowed(ctx, "k", 1, time.Minute), "degraded calls share the in-process window")
		assert.Equal(t, "redis", l.Backend(), "backend selection is not re-probed")
	})
	t.Run("fail-open", func(t *testing.T) {
		clock := newFakeClock()
		l, mr := newRedisLimiter(t, clock, WithTimeout(50*time.Millisecond), WithFailurePolicy(FailOpen))
		mr.Close()
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			assert.True(t, l.IsAllowed(ctx, "k", 1, time.Minute))
		}
		assert.Equal(t, 1, l.Remaining(ctx, "k", 1, time.Minute))
	})
}

func TestRedisKeysExpireWithWindow(t *testing.T) {
	clock := newFakeClock()
	l, mr := newRedisLimiter(t, clock, WithKeyPrefix("test:"))
	require.True(t, l.IsAllowed(context.Background(), "k", 2, 30*time.Second))

	require.True(t, mr.Exists("test:k"))
	assert.Equal(t, 30*time.Second, mr.TTL("test:k"))
}

func TestParsers(t *testing.T) {
	kind, err := ParseBackendKind("Redis")
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, kind)
	_, err = ParseBackendKind("memcached")
	assert.ErrorIs(t, err, ErrInvalidBackend)

	policy, err := ParseFailurePolicy("fail-open")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, policy)
	_, err = ParseFailurePolicy("panic")
	assert.ErrorIs(t, err, ErrInvalidBackend)
}

func TestMemoryWindowToleratesOutOfOrderTimestamps(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock)
	ctx := context.Background()

	// the second caller read the clock earlier but took the lock later
	require.True(t, l.IsAllowed(ctx, "k", 5, 10*time.Second))
	clock.Advance(-time.Second)
	require.True(t, l.IsAllowed(ctx, "k", 5, 10*time.Second))

	clock.Advance(10*time.Second + time.Microsecond)
	assert.Equal(t, 4, l.Remaining(ctx, "k", 5, 10*time.Second), "only the older entry has expired")
	reset, ok := l.ResetTime(ctx, "k", 10*time.Second)
	require.True(t, ok)
	assert.True(t, reset.Equal(newFakeClock().Now().Add(10*time.Second)), "reset at %s", reset)
}

func TestInsertSortedKeepsOrder(t *testing.T) {
	q := []int64{10, 20, 30}
	q = insertSorted(q, 25)
	q = insertSorted(q, 5)
	q = insertSorted(q, 40)
	q = insertSorted(q, 20)
	assert.Equal(t, []int64{5, 10, 20, 20, 25, 30, 40}, q)
}

func TestRedisSubMillisecondWindowKeepsKey(t *testing.T) {
	clock := newFakeClock()
	l, mr := newRedisLimiter(t, clock, WithKeyPrefix("test:"))
	ctx := context.Background()

	require.True(t, l.IsAllowed(ctx, "k", 1, 500*time.Microsecond))
	require.True(t, mr.Exists("test:k"))
	assert.Equal(t, time.Millisecond, mr.TTL("test:k"))
	assert.False(t, l.IsAllowed(ctx, "k", 1, 500*time.Microsecond))
}
