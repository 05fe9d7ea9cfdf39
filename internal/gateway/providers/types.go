package providers

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"
)

// Format identifies the wire dialect a provider (or an inbound endpoint) speaks.
type Format string

const (
	// FormatAnthropic is the structured-content dialect (typed content blocks,
	// system prompt array, tool_use blocks keyed by id).
	FormatAnthropic Format = "anthropic"
	// FormatOpenAI is the items-based dialect (function_call items at top level).
	FormatOpenAI Format = "openai"
	// FormatOACompat is the chat-completions dialect.
	FormatOACompat Format = "oa-compat"
	// FormatGoogle is the generation dialect. Only usage is read from it.
	FormatGoogle Format = "google"
)

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	switch f {
	case FormatAnthropic, FormatOpenAI, FormatOACompat, FormatGoogle:
		return true
	}
	return false
}

// String returns the format name.
func (f Format) String() string {
	return string(f)
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     openai.ChatMessagePartType
	Text     string
	ImageURL string
}

// Message is a role-tagged message in canonical form.
// When Parts is non-nil the content is multi-part and Content is ignored.
type Message struct {
	Role       string
	Content    string
	Parts      []ContentPart
	ToolCallID string
	ToolCalls  []openai.ToolCall
}

// Tool is a function tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolChoice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
	ToolChoiceFunction = "function"
)

// ToolChoice is the canonical tool selection policy.
type ToolChoice struct {
	Mode string
	Name string
}

// Request is the canonical chat request all request converters target.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
	Tools       []Tool
	ToolChoice  *ToolChoice
}

// Usage is the single canonical token accounting shape carried by responses
// and chunks. PromptTokens includes CachedTokens and CompletionTokens includes
// ReasoningTokens, as in the chat-completions dialect.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CachedTokens     int
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Response is a canonical non-streaming completion.
type Response struct {
	ID           string
	Model        string
	Created      int64
	Content      string
	ToolCalls    []openai.ToolCall
	FinishReason openai.FinishReason
	Usage        *Usage
}

// ToolCallDelta is a streamed fragment of a tool call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one canonical streaming event.
//
// Finished marks the event that carries the finish reason (which may be empty
// when the source value had no mapping). Done marks the end of the stream.
type Chunk struct {
	ID           string
	Model        string
	Created      int64
	Role         string
	Content      string
	ToolCalls    []ToolCallDelta
	Finished     bool
	FinishReason openai.FinishReason
	Usage        *Usage
	Done         bool
}

// Empty reports whether the chunk carries nothing an encoder could emit.
func (c *Chunk) Empty() bool {
	return c.Role == "" && c.Content == "" && len(c.ToolCalls) == 0 &&
		!c.Finished && c.Usage == nil && !c.Done
}
