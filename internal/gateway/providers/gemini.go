package providers

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// The generation dialect is only ever forwarded as-is: requests, responses
// and stream parts are never converted to or from it. The gateway reads its
// usage metadata for billing.

// ParseGoogleModelPath splits the "{model}:{method}" path segment of a
// generation endpoint into the model id and whether the method streams.
func ParseGoogleModelPath(segment string) (model string, stream bool) {
	model, method, found := strings.Cut(segment, ":")
	if !found {
		return segment, false
	}
	return model, method == "streamGenerateContent"
}

type googleUsageParser struct {
	usage json.RawMessage
}

func (p *googleUsageParser) Parse(part string) {
	data, ok := dataLine(part)
	if !ok || !gjson.Valid(data) {
		return
	}
	if u := rawOf(gjson.Get(data, "usageMetadata")); u != nil {
		p.usage = u
	}
}

func (p *googleUsageParser) Retrieve() json.RawMessage {
	return p.usage
}

func normalizeGoogleUsage(raw json.RawMessage) UsageInfo {
	u := gjson.ParseBytes(raw)
	prompt := int(u.Get("promptTokenCount").Int())
	candidates := int(u.Get("candidatesTokenCount").Int())
	thoughts := int(u.Get("thoughtsTokenCount").Int())
	cached := int(u.Get("cachedContentTokenCount").Int())
	return UsageInfo{
		InputTokens:     nonNegative(prompt - cached),
		OutputTokens:    nonNegative(candidates),
		ReasoningTokens: nonNegative(thoughts),
		CacheReadTokens: nonNegative(cached),
	}
}
