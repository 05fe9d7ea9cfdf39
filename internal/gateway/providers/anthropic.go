package providers

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// DefaultMaxTokens is used when a request converted into the structured
// dialect does not set max_tokens, which that dialect requires.
const DefaultMaxTokens = 32000

// maxCacheBreakpoints is the number of cache_control hints the upstream
// accepts per request.
const maxCacheBreakpoints = 4

var anthropicDialect = dialect{
	decodeRequest:   decodeAnthropicRequest,
	encodeRequest:   encodeAnthropicRequest,
	decodeResponse:  decodeAnthropicResponse,
	encodeResponse:  encodeAnthropicResponse,
	newChunkDecoder: func() chunkDecoder { return &anthropicChunkDecoder{blockTool: map[int]int{}} },
	newChunkEncoder: func() chunkEncoder { return &anthropicChunkEncoder{} },
}

// AnthropicRequest is a request to the Messages API. System and message
// content accept either a string or an array of blocks.
type AnthropicRequest struct {
	Model         string               `json:"model,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	System        json.RawMessage      `json:"system,omitempty"`
	Messages      []AnthropicMessage   `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice    *AnthropicToolChoice `json:"tool_choice,omitempty"`
}

// AnthropicMessage is a message in the Messages API.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicContentBlock is a typed content block.
type AnthropicContentBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text,omitempty"`
	Source       *AnthropicImageSource  `json:"source,omitempty"`
	ID           string                 `json:"id,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Input        json.RawMessage        `json:"input,omitempty"`
	ToolUseID    string                 `json:"tool_use_id,omitempty"`
	Content      json.RawMessage        `json:"content,omitempty"`
	CacheControl *AnthropicCacheControl `json:"cache_control,omitempty"`
}

// AnthropicImageSource is the source of an image block.
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicCacheControl marks a prompt cache breakpoint.
type AnthropicCacheControl struct {
	Type string `json:"type"`
}

// AnthropicTool is a tool definition.
type AnthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *AnthropicCacheControl `json:"cache_control,omitempty"`
}

// AnthropicToolChoice selects how tools are used.
type AnthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// AnthropicResponse is a non-streaming Messages API response.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   *string                 `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        *anthropicUsage         `json:"usage,omitempty"`
}

var errNotAnthropicMessage = errors.New("not a message object")

var dataURLPattern = regexp.MustCompile(`^data:([^;]+);base64,(.*)$`)

// =============================================================================
// STOP REASONS
// =============================================================================

func finishFromAnthropic(reason *string) openai.FinishReason {
	if reason == nil {
		return ""
	}
	switch *reason {
	case "end_turn", "stop_sequence":
		return openai.FinishReasonStop
	case "tool_use":
		return openai.FinishReasonToolCalls
	case "max_tokens":
		return openai.FinishReasonLength
	case "content_filter", "refusal":
		return openai.FinishReasonContentFilter
	}
	return ""
}

func finishToAnthropic(reason openai.FinishReason) *string {
	var r string
	switch reason {
	case openai.FinishReasonStop:
		r = "end_turn"
	case openai.FinishReasonToolCalls:
		r = "tool_use"
	case openai.FinishReasonLength:
		r = "max_tokens"
	case openai.FinishReasonContentFilter:
		r = "content_filter"
	default:
		return nil
	}
	return &r
}

// =============================================================================
// USAGE
// =============================================================================

func (u *anthropicUsage) canonical() *Usage {
	if u == nil {
		return nil
	}
	cacheWrite := deref(u.CacheCreationInputTokens)
	if u.CacheCreation != nil && u.CacheCreationInputTokens == nil {
		cacheWrite = deref(u.CacheCreation.Ephemeral5mInputTokens) + deref(u.CacheCreation.Ephemeral1hInputTokens)
	}
	cacheRead := deref(u.CacheReadInputTokens)
	return &Usage{
		PromptTokens:     deref(u.InputTokens) + cacheRead + cacheWrite,
		CompletionTokens: deref(u.OutputTokens),
		CachedTokens:     cacheRead,
	}
}

func anthropicUsageFrom(u *Usage) *anthropicUsage {
	if u == nil {
		return &anthropicUsage{InputTokens: intPtr(0), OutputTokens: intPtr(0)}
	}
	out := &anthropicUsage{
		InputTokens:  intPtr(nonNegative(u.PromptTokens - u.CachedTokens)),
		OutputTokens: intPtr(u.CompletionTokens),
	}
	if u.CachedTokens > 0 {
		out.CacheReadInputTokens = intPtr(u.CachedTokens)
	}
	return out
}

func intPtr(n int) *int { return &n }

// =============================================================================
// REQUEST
// =============================================================================

// anthropicBlocks reads content that is either a string or a block array.
func anthropicBlocks(raw json.RawMessage) []AnthropicContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []AnthropicContentBlock{{Type: "text", Text: s}}
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

func imageURLFromSource(src *AnthropicImageSource) string {
	if src == nil {
		return ""
	}
	switch src.Type {
	case "url":
		return src.URL
	case "base64":
		if src.MediaType == "" || src.Data == "" {
			return ""
		}
		return "data:" + src.MediaType + ";base64," + src.Data
	}
	return ""
}

func sourceFromImageURL(url string) *AnthropicImageSource {
	if m := dataURLPattern.FindStringSubmatch(url); m != nil {
		return &AnthropicImageSource{Type: "base64", MediaType: m[1], Data: m[2]}
	}
	if url == "" {
		return nil
	}
	return &AnthropicImageSource{Type: "url", URL: url}
}

// toolResultText flattens tool_result content to a string.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "")
		}
	}
	return string(raw)
}

func decodeAnthropicRequest(body []byte) (*Request, error) {
	var in AnthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}

	out := &Request{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stop:        in.StopSequences,
		Stream:      in.Stream,
	}
	if in.MaxTokens > 0 {
		out.MaxTokens = intPtr(in.MaxTokens)
	}

	for _, b := range anthropicBlocks(in.System) {
		if b.Type == "text" && b.Text != "" {
			out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleSystem, Content: b.Text})
		}
	}

	for _, m := range in.Messages {
		blocks := anthropicBlocks(m.Content)
		switch m.Role {
		case "user":
			var parts []ContentPart
			for _, b := range blocks {
				switch b.Type {
				case "text":
					parts = append(parts, textPart(b.Text))
				case "image":
					if url := imageURLFromSource(b.Source); url != "" {
						parts = append(parts, imagePart(url))
					}
				case "tool_result":
					out.Messages = append(out.Messages, Message{
						Role:       openai.ChatMessageRoleTool,
						ToolCallID: b.ToolUseID,
						Content:    toolResultText(b.Content),
					})
				}
			}
			if len(parts) > 0 {
				out.Messages = append(out.Messages, userMessage(parts))
			}
		case "assistant":
			msg := Message{Role: openai.ChatMessageRoleAssistant}
			var texts []string
			for _, b := range blocks {
				switch b.Type {
				case "text":
					texts = append(texts, b.Text)
				case "tool_use":
					msg.ToolCalls = append(msg.ToolCalls, functionCall(b.ID, b.Name, inputToArgs(b.Input)))
				}
			}
			msg.Content = strings.Join(texts, "")
			out.Messages = append(out.Messages, msg)
		}
	}

	for _, t := range in.Tools {
		out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}

	if tc := in.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceAuto}
		case "any":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceRequired}
		case "none":
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceNone}
		case "tool":
			if tc.Name != "" {
				out.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction, Name: tc.Name}
			}
		}
	}
	return out, nil
}

// cacheBudget hands out cache_control hints until the breakpoint budget is spent.
type cacheBudget int

func (b *cacheBudget) next() *AnthropicCacheControl {
	if *b <= 0 {
		return nil
	}
	*b--
	return &AnthropicCacheControl{Type: "ephemeral"}
}

func encodeAnthropicRequest(req *Request) ([]byte, error) {
	budget := cacheBudget(maxCacheBreakpoints)

	out := AnthropicRequest{
		Model:         req.Model,
		MaxTokens:     DefaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		Messages:      []AnthropicMessage{},
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []AnthropicContentBlock
	for _, m := range req.Messages {
		if m.Role != openai.ChatMessageRoleSystem {
			continue
		}
		if text := textOf(m); text != "" {
			system = append(system, AnthropicContentBlock{Type: "text", Text: text, CacheControl: budget.next()})
		}
	}
	if len(system) > 0 {
		raw, err := json.Marshal(system)
		if err != nil {
			return nil, err
		}
		out.System = raw
	}

	var (
		messages []AnthropicMessage
		pending  []AnthropicContentBlock // consecutive tool results
	)
	appendMessage := func(role string, blocks []AnthropicContentBlock) error {
		raw, err := json.Marshal(blocks)
		if err != nil {
			return err
		}
		messages = append(messages, AnthropicMessage{Role: role, Content: raw})
		return nil
	}
	flushResults := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := appendMessage("user", pending)
		pending = nil
		return err
	}

	for _, m := range req.Messages {
		if m.Role != openai.ChatMessageRoleTool {
			if err := flushResults(); err != nil {
				return nil, err
			}
		}
		switch m.Role {
		case openai.ChatMessageRoleUser:
			var blocks []AnthropicContentBlock
			if m.Parts == nil {
				blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: m.Content, CacheControl: budget.next()})
			}
			for _, p := range m.Parts {
				switch p.Type {
				case openai.ChatMessagePartTypeText:
					blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: p.Text, CacheControl: budget.next()})
				case openai.ChatMessagePartTypeImageURL:
					if src := sourceFromImageURL(p.ImageURL); src != nil {
						blocks = append(blocks, AnthropicContentBlock{Type: "image", Source: src, CacheControl: budget.next()})
					}
				}
			}
			if len(blocks) > 0 {
				if err := appendMessage("user", blocks); err != nil {
					return nil, err
				}
			}
		case openai.ChatMessageRoleAssistant:
			var blocks []AnthropicContentBlock
			if text := textOf(m); text != "" {
				blocks = append(blocks, AnthropicContentBlock{Type: "text", Text: text, CacheControl: budget.next()})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, AnthropicContentBlock{
					Type:         "tool_use",
					ID:           orNewID(tc.ID, toolUseIDPrefix),
					Name:         tc.Function.Name,
					Input:        argsToInput(tc.Function.Arguments),
					CacheControl: budget.next(),
				})
			}
			if len(blocks) > 0 {
				if err := appendMessage("assistant", blocks); err != nil {
					return nil, err
				}
			}
		case openai.ChatMessageRoleTool:
			content, err := json.Marshal(textOf(m))
			if err != nil {
				return nil, err
			}
			pending = append(pending, AnthropicContentBlock{
				Type:         "tool_result",
				ToolUseID:    m.ToolCallID,
				Content:      content,
				CacheControl: budget.next(),
			})
		}
	}
	if err := flushResults(); err != nil {
		return nil, err
	}
	if messages != nil {
		out.Messages = messages
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, AnthropicTool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  schema,
			CacheControl: budget.next(),
		})
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case ToolChoiceAuto:
			out.ToolChoice = &AnthropicToolChoice{Type: "auto"}
		case ToolChoiceRequired:
			out.ToolChoice = &AnthropicToolChoice{Type: "any"}
		case ToolChoiceNone:
			out.ToolChoice = &AnthropicToolChoice{Type: "none"}
		case ToolChoiceFunction:
			out.ToolChoice = &AnthropicToolChoice{Type: "tool", Name: tc.Name}
		}
	}

	return json.Marshal(out)
}

// =============================================================================
// RESPONSE
// =============================================================================

func decodeAnthropicResponse(body []byte) (*Response, error) {
	var in AnthropicResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if in.Type != "message" {
		return nil, errNotAnthropicMessage
	}

	out := &Response{
		ID:           in.ID,
		Model:        in.Model,
		Created:      time.Now().Unix(),
		FinishReason: finishFromAnthropic(in.StopReason),
		Usage:        in.Usage.canonical(),
	}
	var texts []string
	for _, b := range in.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, functionCall(orNewID(b.ID, toolUseIDPrefix), b.Name, inputToArgs(b.Input)))
		}
	}
	out.Content = strings.Join(texts, "")
	return out, nil
}

func encodeAnthropicResponse(resp *Response) ([]byte, error) {
	out := AnthropicResponse{
		ID:         translateID(resp.ID, anthropicIDPrefix),
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    []AnthropicContentBlock{},
		StopReason: finishToAnthropic(resp.FinishReason),
		Usage:      anthropicUsageFrom(resp.Usage),
	}
	if resp.Content != "" {
		out.Content = append(out.Content, AnthropicContentBlock{Type: "text", Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		out.Content = append(out.Content, AnthropicContentBlock{
			Type:  "tool_use",
			ID:    orNewID(tc.ID, toolUseIDPrefix),
			Name:  tc.Function.Name,
			Input: argsToInput(tc.Function.Arguments),
		})
	}
	return json.Marshal(out)
}

// =============================================================================
// STREAM
// =============================================================================

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *AnthropicResponse     `json:"message,omitempty"`
	ContentBlock *AnthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string  `json:"type"`
	Text        string  `json:"text"`
	PartialJSON string  `json:"partial_json"`
	StopReason  *string `json:"stop_reason"`
}

// anthropicChunkDecoder maps content block indexes to tool call indexes and
// folds partial usage objects into one.
type anthropicChunkDecoder struct {
	id        string
	model     string
	usage     anthropicUsage
	blockTool map[int]int
	tools     int
}

func (d *anthropicChunkDecoder) Decode(part string) (Chunk, bool) {
	data, ok := dataLine(part)
	if !ok {
		return Chunk{}, false
	}
	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Type == "" {
		return Chunk{}, false
	}

	chunk := Chunk{Created: time.Now().Unix()}
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.id, d.model = ev.Message.ID, ev.Message.Model
			if ev.Message.Usage != nil {
				d.usage.merge(*ev.Message.Usage)
			}
		}
		chunk.Role = openai.ChatMessageRoleAssistant
	case "content_block_start":
		if cb := ev.ContentBlock; cb != nil && cb.Type == "tool_use" {
			idx := d.tools
			d.tools++
			d.blockTool[ev.Index] = idx
			chunk.ToolCalls = []ToolCallDelta{{Index: idx, ID: cb.ID, Name: cb.Name}}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		switch ev.Delta.Type {
		case "text_delta":
			chunk.Content = ev.Delta.Text
		case "input_json_delta":
			if ev.Delta.PartialJSON != "" {
				chunk.ToolCalls = []ToolCallDelta{{Index: d.blockTool[ev.Index], Arguments: ev.Delta.PartialJSON}}
			}
		}
	case "message_delta":
		if ev.Usage != nil {
			d.usage.merge(*ev.Usage)
		}
		chunk.Finished = true
		if ev.Delta != nil {
			chunk.FinishReason = finishFromAnthropic(ev.Delta.StopReason)
		}
		chunk.Usage = d.usage.canonical()
	case "message_stop":
		chunk.Done = true
	case "error":
		return Chunk{}, false
	}
	chunk.ID, chunk.Model = d.id, d.model
	return chunk, true
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type anthropicTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type anthropicMessageDelta struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// anthropicChunkEncoder emits the structured event sequence: message_start,
// content blocks with their deltas, message_delta and message_stop. The
// terminal pair is held back until both the finish reason and usage are
// known, or until the stream ends.
type anthropicChunkEncoder struct {
	started   bool
	stopped   bool
	id        string
	model     string
	openBlock string
	nextBlock int
	finished  bool
	finish    openai.FinishReason
	usage     *Usage
}

func (e *anthropicChunkEncoder) start(c Chunk) []string {
	if e.started {
		return nil
	}
	e.started = true
	e.id = translateID(c.ID, anthropicIDPrefix)
	e.model = c.Model
	return []string{sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": AnthropicResponse{
			ID:      e.id,
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []AnthropicContentBlock{},
			Usage:   anthropicUsageFrom(nil),
		},
	})}
}

func (e *anthropicChunkEncoder) closeBlock() []string {
	if e.openBlock == "" {
		return nil
	}
	e.openBlock = ""
	return []string{sseEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.nextBlock - 1,
	})}
}

func (e *anthropicChunkEncoder) openNew(kind string, block any) []string {
	out := e.closeBlock()
	e.openBlock = kind
	idx := e.nextBlock
	e.nextBlock++
	return append(out, sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	}))
}

func (e *anthropicChunkEncoder) delta(d any) string {
	return sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.nextBlock - 1,
		"delta": d,
	})
}

func (e *anthropicChunkEncoder) terminal() []string {
	if e.stopped {
		return nil
	}
	e.stopped = true
	out := e.closeBlock()
	out = append(out,
		sseEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": anthropicMessageDelta{StopReason: finishToAnthropic(e.finish)},
			"usage": anthropicUsageFrom(e.usage),
		}),
		sseEvent("message_stop", map[string]any{"type": "message_stop"}),
	)
	return out
}

func (e *anthropicChunkEncoder) Encode(c Chunk) []string {
	if e.stopped {
		return nil
	}
	out := e.start(c)

	if c.Content != "" {
		if e.openBlock != "text" {
			out = append(out, e.openNew("text", anthropicTextBlock{Type: "text"})...)
		}
		out = append(out, e.delta(anthropicTextDelta{Type: "text_delta", Text: c.Content}))
	}

	for _, tc := range c.ToolCalls {
		if tc.ID != "" || tc.Name != "" {
			out = append(out, e.openNew("tool", anthropicToolUseBlock{
				Type:  "tool_use",
				ID:    orNewID(tc.ID, toolUseIDPrefix),
				Name:  tc.Name,
				Input: json.RawMessage("{}"),
			})...)
		}
		if tc.Arguments != "" && e.openBlock == "tool" {
			out = append(out, e.delta(anthropicJSONDelta{Type: "input_json_delta", PartialJSON: tc.Arguments}))
		}
	}

	if c.Finished {
		e.finished = true
		e.finish = c.FinishReason
		out = append(out, e.closeBlock()...)
	}
	if c.Usage != nil {
		e.usage = c.Usage
	}
	if (e.finished && e.usage != nil) || c.Done {
		out = append(out, e.terminal()...)
	}
	return out
}

func (e *anthropicChunkEncoder) Flush() []string {
	if !e.started {
		return nil
	}
	return e.terminal()
}
