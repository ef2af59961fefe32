package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// memoryBackend keeps one time-ordered queue per key. A single mutex guards
// the whole map so trim, count and push happen as one step.
type memoryBackend struct {
	mu      sync.Mutex
	windows map[string][]int64
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{windows: make(map[string][]int64)}
}

func (m *memoryBackend) name() string { return BackendMemory.String() }

func (m *memoryBackend) allow(_ context.Context, key string, limit int, window time.Duration, now time.Time, recordRejected bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.trimLocked(key, cutoff(now, window))
	allowed := len(q) < limit
	if allowed || recordRejected {
		m.windows[key] = insertSorted(q, now.UnixMicro())
	}
	return allowed, nil
}

func (m *memoryBackend) count(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trimLocked(key, cutoff(now, window))), nil
}

func (m *memoryBackend) earliest(_ context.Context, key string, window time.Duration, now time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.trimLocked(key, cutoff(now, window))
	if len(q) == 0 {
		return 0, false, nil
	}
	return q[0], true, nil
}

func (m *memoryBackend) reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.windows, key)
	m.mu.Unlock()
	return nil
}

// trimLocked drops expired entries from the front of key's queue. Empty
// queues are removed so idle keys do not accumulate.
func (m *memoryBackend) trimLocked(key string, cut int64) []int64 {
	q := m.windows[key]
	i := 0
	for i < len(q) && expired(q[i], cut) {
		i++
	}
	if i == len(q) {
		delete(m.windows, key)
		return nil
	}
	if i > 0 {
		q = append(q[:0:0], q[i:]...)
		m.windows[key] = q
	}
	return q
}

// insertSorted keeps q ordered when callers read the clock before taking
// the lock and arrive out of order. trimLocked relies on that order.
func insertSorted(q []int64, ts int64) []int64 {
	if n := len(q); n == 0 || q[n-1] <= ts {
		return append(q, ts)
	}
	i, _ := slices.BinarySearch(q, ts)
	return slices.Insert(q, i, ts)
}
