package billing

import (
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
)

// LongContextThreshold is the prompt size above which the 200K tier applies.
const LongContextThreshold = 200_000

const tokensPerRate = 1_000_000

// CostInfo is the cost of one request in micro-cents, per category and total.
type CostInfo struct {
	Input        int64
	Output       int64
	Reasoning    int64
	CacheRead    int64
	CacheWrite5m int64
	CacheWrite1h int64
	Total        int64
}

// roundDiv rounds n/tokensPerRate half up. n is never negative.
func roundDiv(n int64) int64 {
	return (n + tokensPerRate/2) / tokensPerRate
}

// CostTable picks the pricing tier for a request.
func CostTable(m *catalog.Model, u providers.UsageInfo) catalog.Cost {
	if m.Cost200K != nil && u.PromptTokens() > LongContextThreshold {
		return *m.Cost200K
	}
	return m.Cost
}

// Calculate prices normalized usage. Reasoning tokens are billed at the
// output rate and categories without a rate cost nothing.
func Calculate(m *catalog.Model, u providers.UsageInfo) CostInfo {
	c := CostTable(m, u)

	input := int64(u.InputTokens) * int64(c.Input)
	output := int64(u.OutputTokens) * int64(c.Output)
	reasoning := int64(u.ReasoningTokens) * int64(c.Output)
	cacheRead := int64(u.CacheReadTokens) * int64(c.CacheRead)
	write5m := int64(u.CacheWrite5mTokens) * int64(c.CacheWrite5m)
	write1h := int64(u.CacheWrite1hTokens) * int64(c.CacheWrite1h)

	return CostInfo{
		Input:        roundDiv(input),
		Output:       roundDiv(output),
		Reasoning:    roundDiv(reasoning),
		CacheRead:    roundDiv(cacheRead),
		CacheWrite5m: roundDiv(write5m),
		CacheWrite1h: roundDiv(write1h),
		Total:        roundDiv(input + output + reasoning + cacheRead + write5m + write1h),
	}
}
