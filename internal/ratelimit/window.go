package ratelimit

import "time"

// Timestamps are stored as unix microseconds in every backend so the
// distributed and in-process windows trim at exactly the same instant.

// cutoff returns the newest timestamp that is already outside the window.
// Entries with ts <= cutoff are expired; the window is (now-window, now].
func cutoff(now time.Time, window time.Duration) int64 {
	return now.Add(-window).UnixMicro()
}

func expired(ts, cut int64) bool { return ts <= cut }

// resetAt is the instant the entry recorded at earliest leaves the window.
func resetAt(earliest int64, window time.Duration) time.Time {
	return time.UnixMicro(earliest).Add(window)
}

// retryAfter rounds the wait until reset up to whole seconds, minimum one.
func retryAfter(reset, now time.Time) time.Duration {
	d := reset.Sub(now)
	if d <= time.Second {
		return time.Second
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}
