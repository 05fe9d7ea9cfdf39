package quota

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) IncrBy(_ context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.ParseInt(m.data[key], 10, 64)
	cur += n
	m.data[key] = strconv.FormatInt(cur, 10)
	if ttl > 0 {
		m.ttls[key] = ttl
	}
	return cur, nil
}

func (m *memStore) SumInts(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, k := range keys {
		n, _ := strconv.ParseInt(m.data[k], 10, 64)
		total += n
	}
	return total, nil
}

func TestRateLimiter_WindowAndRetryAfter(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewRateLimiter(store, 3)
	now := time.Date(2025, 3, 10, 14, 45, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	// two hours ago still counts, three hours ago has left the window
	store.data[rateKey("1.2.3.4", now.Add(-2*time.Hour))] = "2"
	store.data[rateKey("1.2.3.4", now.Add(-3*time.Hour))] = "50"

	require.NoError(t, l.Check(ctx, "1.2.3.4", 3))
	require.NoError(t, l.Track(ctx, "1.2.3.4"))
	assert.Equal(t, "1", store.data["rate:1.2.3.4:2025031014"])
	assert.Equal(t, 3*time.Hour, store.ttls["rate:1.2.3.4:2025031014"])

	err := l.Check(ctx, "1.2.3.4", 3)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.RateLimitError, apiErr.Kind)
	assert.Equal(t, 15*time.Minute, apiErr.RetryAfter)

	// other IPs are independent and zero disables the check
	assert.NoError(t, l.Check(ctx, "5.6.7.8", 3))
	assert.NoError(t, l.Check(ctx, "1.2.3.4", 0))
}

func TestTrialLimiter(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tl := NewTrialLimiter(store)
	trial := &catalog.Trial{Provider: "p", Limits: []catalog.TrialLimit{{Limit: 100}, {Client: "cli", Limit: 1000}}}

	ok, err := tl.IsTrial(ctx, trial, "ip", "")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tl.Track(ctx, "ip", providers.UsageInfo{InputTokens: 60, OutputTokens: 20, ReasoningTokens: 5, CacheReadTokens: 10, CacheWrite5mTokens: 3, CacheWrite1hTokens: 2}))
	assert.Equal(t, "100", store.data["trial:ip"])

	ok, err = tl.IsTrial(ctx, trial, "ip", "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tl.IsTrial(ctx, trial, "ip", "cli")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tl.IsTrial(ctx, nil, "ip", "cli")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStickyTracker(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	s := NewStickyTracker(store, 24*time.Hour)

	got, err := s.Get(ctx, "ses_1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Set(ctx, "ses_1", "anthropic"))
	got, err = s.Get(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", got)
	assert.Equal(t, 24*time.Hour, store.ttls[stickyKey("ses_1")])

	require.NoError(t, s.Set(ctx, "", "anthropic"))
	got, err = s.Get(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Len(t, store.data, 1)
}
