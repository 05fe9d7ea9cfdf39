package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierr"
)

// RateLimiter counts requests per IP in hourly buckets. A check sums the
// buckets of the last window hours.
type RateLimiter struct {
	store  Store
	window int
	now    func() time.Time
}

// NewRateLimiter creates a limiter over a window of windowHours hourly buckets.
func NewRateLimiter(store Store, windowHours int) *RateLimiter {
	if windowHours < 1 {
		windowHours = 1
	}
	return &RateLimiter{store: store, window: windowHours, now: time.Now}
}

func rateKey(ip string, hour time.Time) string {
	return fmt.Sprintf("rate:%s:%s", ip, hour.UTC().Format("2006010215"))
}

func (l *RateLimiter) keys(ip string) []string {
	hour := l.now().UTC().Truncate(time.Hour)
	keys := make([]string, 0, l.window)
	for i := 0; i < l.window; i++ {
		keys = append(keys, rateKey(ip, hour.Add(-time.Duration(i)*time.Hour)))
	}
	return keys
}

// Check fails with RateLimitError once the IP reached limit requests in the
// window. A non-positive limit disables the check.
func (l *RateLimiter) Check(ctx context.Context, ip string, limit int) error {
	if limit <= 0 {
		return nil
	}
	count, err := l.store.SumInts(ctx, l.keys(ip)...)
	if err != nil {
		return fmt.Errorf("rate limit lookup: %w", err)
	}
	if count < int64(limit) {
		return nil
	}
	now := l.now().UTC()
	return apierr.New(apierr.RateLimitError, "Rate limit exceeded. Please try again later.").
		WithRetryAfter(now.Truncate(time.Hour).Add(time.Hour).Sub(now))
}

// Track records one request in the current bucket.
func (l *RateLimiter) Track(ctx context.Context, ip string) error {
	key := rateKey(ip, l.now())
	_, err := l.store.IncrBy(ctx, key, 1, time.Duration(l.window)*time.Hour)
	return err
}
