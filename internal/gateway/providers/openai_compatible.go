package providers

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

var oaCompatDialect = dialect{
	decodeRequest:   decodeChatRequest,
	encodeRequest:   encodeChatRequest,
	decodeResponse:  decodeChatResponse,
	encodeResponse:  encodeChatResponse,
	newChunkDecoder: func() chunkDecoder { return &chatChunkDecoder{} },
	newChunkEncoder: func() chunkEncoder { return &chatChunkEncoder{} },
}

// ChatRequest is a chat-completions request. Stop, content and tool_choice
// are polymorphic on the wire so they are kept raw; everything else uses the
// go-openai types.
type ChatRequest struct {
	Model               string          `json:"model,omitempty"`
	Messages            []ChatMessage   `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Tools               []openai.Tool   `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
}

// ChatMessage is a chat-completions message.
type ChatMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

var errNoChoices = errors.New("response has no choices")

// =============================================================================
// USAGE
// =============================================================================

func chatUsageFrom(res gjson.Result) *Usage {
	if !res.IsObject() {
		return nil
	}
	cached := res.Get("cached_tokens")
	if !cached.Exists() {
		cached = res.Get("prompt_tokens_details.cached_tokens")
	}
	return &Usage{
		PromptTokens:     int(res.Get("prompt_tokens").Int()),
		CompletionTokens: int(res.Get("completion_tokens").Int()),
		ReasoningTokens:  int(res.Get("completion_tokens_details.reasoning_tokens").Int()),
		CachedTokens:     int(cached.Int()),
	}
}

func openaiUsage(u *Usage) *openai.Usage {
	if u == nil {
		return nil
	}
	out := &openai.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.Total(),
	}
	if u.CachedTokens > 0 {
		out.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: u.CachedTokens}
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &openai.CompletionTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

// =============================================================================
// REQUEST
// =============================================================================

func chatContent(raw json.RawMessage) (string, []ContentPart) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var in []openai.ChatMessagePart
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil
	}
	parts := make([]ContentPart, 0, len(in))
	for _, p := range in {
		switch p.Type {
		case openai.ChatMessagePartTypeText:
			parts = append(parts, textPart(p.Text))
		case openai.ChatMessagePartTypeImageURL:
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				parts = append(parts, imagePart(p.ImageURL.URL))
			}
		}
	}
	return "", parts
}

func decodeChatRequest(body []byte) (*Request, error) {
	var in ChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Request{
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if out.MaxTokens == nil {
		out.MaxTokens = in.MaxCompletionTokens
	}

	stop := gjson.ParseBytes(in.Stop)
	switch {
	case stop.IsArray():
		for _, s := range stop.Array() {
			out.Stop = append(out.Stop, s.String())
		}
	case stop.Type == gjson.String:
		out.Stop = []string{stop.String()}
	}

	for _, m := range in.Messages {
		content, parts := chatContent(m.Content)
		switch m.Role {
		case openai.ChatMessageRoleSystem, "developer":
			out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleSystem, Content: content + textOf(Message{Parts: parts})})
		case openai.ChatMessageRoleUser:
			if parts != nil {
				out.Messages = append(out.Messages, userMessage(parts))
			} else {
				out.Messages = append(out.Messages, Message{Role: m.Role, Content: content})
			}
		case openai.ChatMessageRoleAssistant:
			msg := Message{Role: m.Role, Content: content + textOf(Message{Parts: parts})}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, functionCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
			}
			out.Messages = append(out.Messages, msg)
		case openai.ChatMessageRoleTool:
			out.Messages = append(out.Messages, Message{Role: m.Role, ToolCallID: m.ToolCallID, Content: content + textOf(Message{Parts: parts})})
		}
	}

	for _, t := range in.Tools {
		if t.Type != openai.ToolTypeFunction || t.Function == nil {
			continue
		}
		params, err := json.Marshal(t.Function.Parameters)
		if err != nil || string(params) == "null" {
			params = nil
		}
		out.Tools = append(out.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Parameters: params})
	}

	tc := gjson.ParseBytes(in.ToolChoice)
	switch {
	case tc.Type == gjson.String:
		switch mode := tc.String(); mode {
		case ToolChoiceAuto, ToolChoiceRequired, ToolChoiceNone:
			out.ToolChoice = &ToolChoice{Mode: mode}
		}
	case tc.Get("type").String() == "function" && tc.Get("function.name").String() != "":
		out.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction, Name: tc.Get("function.name").String()}
	}
	return out, nil
}

func marshalChatContent(m Message) (json.RawMessage, error) {
	if m.Parts == nil {
		return json.Marshal(m.Content)
	}
	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case openai.ChatMessagePartTypeText:
			parts = append(parts, openai.ChatMessagePart{Type: p.Type, Text: p.Text})
		case openai.ChatMessagePartTypeImageURL:
			parts = append(parts, openai.ChatMessagePart{Type: p.Type, ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL}})
		}
	}
	return json.Marshal(parts)
}

func encodeChatRequest(req *Request) ([]byte, error) {
	out := ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Messages:    []ChatMessage{},
	}

	var err error
	switch len(req.Stop) {
	case 0:
	case 1:
		out.Stop, err = json.Marshal(req.Stop[0])
	default:
		out.Stop, err = json.Marshal(req.Stop)
	}
	if err != nil {
		return nil, err
	}

	for _, m := range req.Messages {
		msg := ChatMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if m.Role == openai.ChatMessageRoleAssistant && len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, functionCall(orNewID(tc.ID, callIDPrefix), tc.Function.Name, tc.Function.Arguments))
			}
			if textOf(m) == "" {
				out.Messages = append(out.Messages, msg)
				continue
			}
		}
		if msg.Content, err = marshalChatContent(m); err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range req.Tools {
		def := &openai.FunctionDefinition{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			def.Parameters = t.Parameters
		}
		out.Tools = append(out.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: def})
	}

	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == ToolChoiceFunction {
			out.ToolChoice, err = json.Marshal(openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: tc.Name},
			})
		} else {
			out.ToolChoice, err = json.Marshal(tc.Mode)
		}
		if err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// =============================================================================
// RESPONSE
// =============================================================================

func decodeChatResponse(body []byte) (*Response, error) {
	var in openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if len(in.Choices) == 0 {
		return nil, errNoChoices
	}
	choice := in.Choices[0]
	out := &Response{
		ID:           in.ID,
		Model:        in.Model,
		Created:      in.Created,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        chatUsageFrom(gjson.GetBytes(body, "usage")),
	}
	if out.FinishReason == openai.FinishReasonNull {
		out.FinishReason = ""
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, functionCall(orNewID(tc.ID, callIDPrefix), tc.Function.Name, tc.Function.Arguments))
	}
	return out, nil
}

func encodeChatResponse(resp *Response) ([]byte, error) {
	out := openai.ChatCompletionResponse{
		ID:      translateID(resp.ID, oaCompatIDPrefix),
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			},
			FinishReason: resp.FinishReason,
		}},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if u := openaiUsage(resp.Usage); u != nil {
		out.Usage = *u
	}
	return json.Marshal(out)
}

// =============================================================================
// STREAM
// =============================================================================

type chatChunkDecoder struct{}

func (chatChunkDecoder) Decode(part string) (Chunk, bool) {
	data, ok := dataLine(part)
	if !ok {
		return Chunk{}, false
	}
	if strings.TrimSpace(data) == "[DONE]" {
		return Chunk{Done: true}, true
	}
	var in openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return Chunk{}, false
	}

	chunk := Chunk{
		ID:      in.ID,
		Model:   in.Model,
		Created: in.Created,
		Usage:   chatUsageFrom(gjson.Get(data, "usage")),
	}
	if len(in.Choices) > 0 {
		choice := in.Choices[0]
		chunk.Role = choice.Delta.Role
		chunk.Content = choice.Delta.Content
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			chunk.Finished = true
			chunk.FinishReason = choice.FinishReason
		}
	}
	return chunk, true
}

// chatChunkEncoder emits chat.completion.chunk events with a stable id and
// model, and a final data: [DONE].
type chatChunkEncoder struct {
	started bool
	done    bool
	id      string
	model   string
	created int64
}

func (e *chatChunkEncoder) Encode(c Chunk) []string {
	if e.done {
		return nil
	}
	if !e.started {
		e.started = true
		e.id = translateID(c.ID, oaCompatIDPrefix)
		e.model = c.Model
		e.created = c.Created
		if e.created == 0 {
			e.created = time.Now().Unix()
		}
	}
	if e.model == "" {
		e.model = c.Model
	}

	var out []string
	if c.Role != "" || c.Content != "" || len(c.ToolCalls) > 0 || c.Finished || c.Usage != nil {
		resp := openai.ChatCompletionStreamResponse{
			ID:      e.id,
			Object:  "chat.completion.chunk",
			Created: e.created,
			Model:   e.model,
			Choices: []openai.ChatCompletionStreamChoice{},
			Usage:   openaiUsage(c.Usage),
		}
		if c.Role != "" || c.Content != "" || len(c.ToolCalls) > 0 || c.Finished {
			delta := openai.ChatCompletionStreamChoiceDelta{Role: c.Role, Content: c.Content}
			for _, tc := range c.ToolCalls {
				idx := tc.Index
				call := openai.ToolCall{
					Index:    &idx,
					ID:       tc.ID,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				}
				if tc.ID != "" || tc.Name != "" {
					call.Type = openai.ToolTypeFunction
				}
				delta.ToolCalls = append(delta.ToolCalls, call)
			}
			resp.Choices = append(resp.Choices, openai.ChatCompletionStreamChoice{
				Index:        0,
				Delta:        delta,
				FinishReason: c.FinishReason,
			})
		}
		out = append(out, sseData(resp))
	}
	if c.Done {
		e.done = true
		out = append(out, "data: [DONE]\n\n")
	}
	return out
}

func (e *chatChunkEncoder) Flush() []string {
	if !e.started || e.done {
		return nil
	}
	e.done = true
	return []string{"data: [DONE]\n\n"}
}
