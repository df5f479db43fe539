package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// FailureLimiter counts failed attempts per key inside a fixed window.
type FailureLimiter struct {
	cache  Cache
	prefix string
	max    int
	window time.Duration
}

// NewFailureLimiter allows max failures per key per window.
func NewFailureLimiter(c Cache, prefix string, max int, window time.Duration) *FailureLimiter {
	return &FailureLimiter{cache: c, prefix: prefix, max: max, window: window}
}

func (l *FailureLimiter) key(id string) string {
	return RateLimitKey(fmt.Sprintf("%s:%s", l.prefix, id))
}

// Blocked reports whether id has used up its failures for the current window.
func (l *FailureLimiter) Blocked(ctx context.Context, id string) (bool, error) {
	val, found, err := l.cache.Get(ctx, l.key(id))
	if err != nil || !found {
		return false, err
	}
	n, err := strconv.Atoi(string(val))
	if err != nil {
		return false, fmt.Errorf("parsing failure count: %w", err)
	}
	return n >= l.max, nil
}

// RecordFailure counts one failure for id.
func (l *FailureLimiter) RecordFailure(ctx context.Context, id string) error {
	_, err := l.cache.IncrWithExpiry(ctx, l.key(id), l.window)
	return err
}
