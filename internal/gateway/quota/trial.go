package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// TrialLimiter keeps a lifetime token total per IP.
type TrialLimiter struct {
	store Store
}

func NewTrialLimiter(store Store) *TrialLimiter {
	return &TrialLimiter{store: store}
}

func trialKey(ip string) string {
	return "trial:" + ip
}

// IsTrial reports whether the IP is still inside the client's trial budget.
func (t *TrialLimiter) IsTrial(ctx context.Context, trial *catalog.Trial, ip, client string) (bool, error) {
	if trial == nil {
		return false, nil
	}
	limit := trial.LimitFor(client)
	if limit <= 0 {
		return false, nil
	}

	val, err := t.store.Get(ctx, trialKey(ip))
	if errors.Is(err, redis.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("trial lookup: %w", err)
	}
	used, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("trial counter: %w", err)
	}
	return used < int64(limit), nil
}

// Track adds every token category of a trial request to the IP total.
func (t *TrialLimiter) Track(ctx context.Context, ip string, usage providers.UsageInfo) error {
	n := usage.TotalTokens()
	if n == 0 {
		return nil
	}
	_, err := t.store.IncrBy(ctx, trialKey(ip), int64(n), 0)
	return err
}
