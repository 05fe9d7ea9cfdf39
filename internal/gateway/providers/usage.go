package providers

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// UsageInfo is the normalized token accounting used for billing. Input and
// output counts exclude cache-read and reasoning tokens respectively.
type UsageInfo struct {
	InputTokens        int
	OutputTokens       int
	ReasoningTokens    int
	CacheReadTokens    int
	CacheWrite5mTokens int
	CacheWrite1hTokens int
}

// TotalTokens sums every token category.
func (u UsageInfo) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens +
		u.CacheReadTokens + u.CacheWrite5mTokens + u.CacheWrite1hTokens
}

// PromptTokens is the input side of the request (input, cache read and cache
// write), used to pick the pricing tier.
func (u UsageInfo) PromptTokens() int {
	return u.InputTokens + u.CacheReadTokens + u.CacheWrite5mTokens + u.CacheWrite1hTokens
}

// UsageParser watches raw stream parts and keeps the last complete usage
// object seen.
type UsageParser interface {
	Parse(part string)
	Retrieve() json.RawMessage
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// dataLine returns the payload of the first "data:" line of an SSE part.
func dataLine(part string) (string, bool) {
	for _, line := range strings.Split(part, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
		}
	}
	return "", false
}

// eventLine returns the value of the "event:" line of an SSE part, if any.
func eventLine(part string) string {
	for _, line := range strings.Split(part, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "event:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	return ""
}

func rawOf(res gjson.Result) json.RawMessage {
	if !res.Exists() || res.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(res.Raw)
}

// =============================================================================
// STRUCTURED DIALECT
// =============================================================================

type anthropicCacheCreation struct {
	Ephemeral5mInputTokens *int `json:"ephemeral_5m_input_tokens,omitempty"`
	Ephemeral1hInputTokens *int `json:"ephemeral_1h_input_tokens,omitempty"`
}

type anthropicServerToolUse struct {
	WebSearchRequests *int `json:"web_search_requests,omitempty"`
}

// anthropicUsage accumulates partial usage objects across stream events.
// Scalars are last-write-wins, nested maps are merged field by field.
type anthropicUsage struct {
	InputTokens              *int                    `json:"input_tokens,omitempty"`
	OutputTokens             *int                    `json:"output_tokens,omitempty"`
	CacheCreationInputTokens *int                    `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int                    `json:"cache_read_input_tokens,omitempty"`
	CacheCreation            *anthropicCacheCreation `json:"cache_creation,omitempty"`
	ServerToolUse            *anthropicServerToolUse `json:"server_tool_use,omitempty"`
}

func pick(cur, next *int) *int {
	if next != nil {
		return next
	}
	return cur
}

func (u *anthropicUsage) merge(o anthropicUsage) {
	u.InputTokens = pick(u.InputTokens, o.InputTokens)
	u.OutputTokens = pick(u.OutputTokens, o.OutputTokens)
	u.CacheCreationInputTokens = pick(u.CacheCreationInputTokens, o.CacheCreationInputTokens)
	u.CacheReadInputTokens = pick(u.CacheReadInputTokens, o.CacheReadInputTokens)
	if o.CacheCreation != nil {
		if u.CacheCreation == nil {
			u.CacheCreation = &anthropicCacheCreation{}
		}
		u.CacheCreation.Ephemeral5mInputTokens = pick(u.CacheCreation.Ephemeral5mInputTokens, o.CacheCreation.Ephemeral5mInputTokens)
		u.CacheCreation.Ephemeral1hInputTokens = pick(u.CacheCreation.Ephemeral1hInputTokens, o.CacheCreation.Ephemeral1hInputTokens)
	}
	if o.ServerToolUse != nil {
		if u.ServerToolUse == nil {
			u.ServerToolUse = &anthropicServerToolUse{}
		}
		u.ServerToolUse.WebSearchRequests = pick(u.ServerToolUse.WebSearchRequests, o.ServerToolUse.WebSearchRequests)
	}
}

type anthropicUsageParser struct {
	usage *anthropicUsage
}

func (p *anthropicUsageParser) Parse(part string) {
	data, ok := dataLine(part)
	if !ok || !gjson.Valid(data) {
		return
	}
	res := gjson.Get(data, "usage")
	if !res.IsObject() {
		res = gjson.Get(data, "message.usage")
	}
	if !res.IsObject() {
		return
	}
	var update anthropicUsage
	if err := json.Unmarshal([]byte(res.Raw), &update); err != nil {
		return
	}
	if p.usage == nil {
		p.usage = &anthropicUsage{}
	}
	p.usage.merge(update)
}

func (p *anthropicUsageParser) Retrieve() json.RawMessage {
	if p.usage == nil {
		return nil
	}
	raw, err := json.Marshal(p.usage)
	if err != nil {
		return nil
	}
	return raw
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func normalizeAnthropicUsage(raw json.RawMessage) UsageInfo {
	var u anthropicUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return UsageInfo{}
	}
	info := UsageInfo{
		InputTokens:     nonNegative(deref(u.InputTokens)),
		OutputTokens:    nonNegative(deref(u.OutputTokens)),
		CacheReadTokens: nonNegative(deref(u.CacheReadInputTokens)),
	}
	if u.CacheCreation != nil {
		info.CacheWrite5mTokens = nonNegative(deref(u.CacheCreation.Ephemeral5mInputTokens))
		info.CacheWrite1hTokens = nonNegative(deref(u.CacheCreation.Ephemeral1hInputTokens))
	} else {
		// no retention breakdown: the default cache retention is 5 minutes
		info.CacheWrite5mTokens = nonNegative(deref(u.CacheCreationInputTokens))
	}
	return info
}

// =============================================================================
// ITEMS DIALECT
// =============================================================================

type openaiUsageParser struct {
	usage json.RawMessage
}

func (p *openaiUsageParser) Parse(part string) {
	data, ok := dataLine(part)
	if !ok || !gjson.Valid(data) {
		return
	}
	event := eventLine(part)
	if event == "" {
		event = gjson.Get(data, "type").String()
	}
	if event != "response.completed" && event != "response.incomplete" {
		return
	}
	if u := rawOf(gjson.Get(data, "response.usage")); u != nil {
		p.usage = u
	}
}

func (p *openaiUsageParser) Retrieve() json.RawMessage {
	return p.usage
}

func normalizeOpenAIUsage(raw json.RawMessage) UsageInfo {
	u := gjson.ParseBytes(raw)
	input := int(u.Get("input_tokens").Int())
	output := int(u.Get("output_tokens").Int())
	reasoning := int(u.Get("output_tokens_details.reasoning_tokens").Int())
	cached := int(u.Get("input_tokens_details.cached_tokens").Int())
	return UsageInfo{
		InputTokens:     nonNegative(input - cached),
		OutputTokens:    nonNegative(output - reasoning),
		ReasoningTokens: nonNegative(reasoning),
		CacheReadTokens: nonNegative(cached),
	}
}

// =============================================================================
// CHAT DIALECT
// =============================================================================

type oaCompatUsageParser struct {
	usage json.RawMessage
}

func (p *oaCompatUsageParser) Parse(part string) {
	data, ok := dataLine(part)
	if !ok || !gjson.Valid(data) {
		return
	}
	if u := rawOf(gjson.Get(data, "usage")); u != nil {
		p.usage = u
	}
}

func (p *oaCompatUsageParser) Retrieve() json.RawMessage {
	return p.usage
}

func normalizeOACompatUsage(raw json.RawMessage) UsageInfo {
	u := gjson.ParseBytes(raw)
	prompt := int(u.Get("prompt_tokens").Int())
	completion := int(u.Get("completion_tokens").Int())
	reasoning := int(u.Get("completion_tokens_details.reasoning_tokens").Int())
	// moonshot reports cached tokens at the top level
	cachedRes := u.Get("cached_tokens")
	if !cachedRes.Exists() {
		cachedRes = u.Get("prompt_tokens_details.cached_tokens")
	}
	cached := int(cachedRes.Int())
	return UsageInfo{
		InputTokens:     nonNegative(prompt - cached),
		OutputTokens:    nonNegative(completion - reasoning),
		ReasoningTokens: nonNegative(reasoning),
		CacheReadTokens: nonNegative(cached),
	}
}
