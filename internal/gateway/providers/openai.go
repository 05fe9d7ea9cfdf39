package providers

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

var openaiDialect = dialect{
	decodeRequest:   decodeResponsesRequest,
	encodeRequest:   encodeResponsesRequest,
	decodeResponse:  decodeResponsesResponse,
	encodeResponse:  encodeResponsesResponse,
	newChunkDecoder: func() chunkDecoder { return &responsesChunkDecoder{items: map[string]int{}} },
	newChunkEncoder: func() chunkEncoder { return &responsesChunkEncoder{} },
}

// ResponsesRequest is a request to the Responses API. Input is either a
// string or an array of items.
type ResponsesRequest struct {
	Model           string          `json:"model,omitempty"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           json.RawMessage `json:"input"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
}

// ResponsesItem is one input or output item: a message, a function call or
// a function call output.
type ResponsesItem struct {
	Type      string          `json:"type,omitempty"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Status    string          `json:"status,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments *string         `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// ResponsesContentPart is a typed part of a message item.
type ResponsesContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// ResponsesTool is a flat function tool definition.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponsesResponse is a Responses API response object.
type ResponsesResponse struct {
	ID                string                      `json:"id"`
	Object            string                      `json:"object"`
	CreatedAt         int64                       `json:"created_at"`
	Model             string                      `json:"model"`
	Status            string                      `json:"status"`
	IncompleteDetails *ResponsesIncompleteDetails `json:"incomplete_details,omitempty"`
	Output            []ResponsesItem             `json:"output"`
	Usage             *ResponsesUsage             `json:"usage,omitempty"`
}

// ResponsesIncompleteDetails explains an incomplete response.
type ResponsesIncompleteDetails struct {
	Reason string `json:"reason"`
}

// ResponsesUsage is the Responses API usage object.
type ResponsesUsage struct {
	InputTokens         int                    `json:"input_tokens"`
	InputTokensDetails  ResponsesInputDetails  `json:"input_tokens_details"`
	OutputTokens        int                    `json:"output_tokens"`
	OutputTokensDetails ResponsesOutputDetails `json:"output_tokens_details"`
	TotalTokens         int                    `json:"total_tokens"`
}

// ResponsesInputDetails breaks down input tokens.
type ResponsesInputDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ResponsesOutputDetails breaks down output tokens.
type ResponsesOutputDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

func strPtr(s string) *string { return &s }

// =============================================================================
// FINISH REASONS AND USAGE
// =============================================================================

func finishFromResponses(status, incomplete string, hasCalls bool) openai.FinishReason {
	switch status {
	case "completed":
		if hasCalls {
			return openai.FinishReasonToolCalls
		}
		return openai.FinishReasonStop
	case "incomplete":
		switch incomplete {
		case "max_output_tokens":
			return openai.FinishReasonLength
		case "content_filter":
			return openai.FinishReasonContentFilter
		}
	}
	return ""
}

// responsesStatus returns the status and incomplete reason for a finish reason.
func responsesStatus(reason openai.FinishReason) (string, *ResponsesIncompleteDetails) {
	switch reason {
	case openai.FinishReasonLength:
		return "incomplete", &ResponsesIncompleteDetails{Reason: "max_output_tokens"}
	case openai.FinishReasonContentFilter:
		return "incomplete", &ResponsesIncompleteDetails{Reason: "content_filter"}
	}
	return "completed", nil
}

func responsesUsageFrom(res gjson.Result) *Usage {
	if !res.IsObject() {
		return nil
	}
	return &Usage{
		PromptTokens:     int(res.Get("input_tokens").Int()),
		CompletionTokens: int(res.Get("output_tokens").Int()),
		ReasoningTokens:  int(res.Get("output_tokens_details.reasoning_tokens").Int()),
		CachedTokens:     int(res.Get("input_tokens_details.cached_tokens").Int()),
	}
}

func responsesUsage(u *Usage) *ResponsesUsage {
	if u == nil {
		return nil
	}
	return &ResponsesUsage{
		InputTokens:         u.PromptTokens,
		InputTokensDetails:  ResponsesInputDetails{CachedTokens: u.CachedTokens},
		OutputTokens:        u.CompletionTokens,
		OutputTokensDetails: ResponsesOutputDetails{ReasoningTokens: u.ReasoningTokens},
		TotalTokens:         u.Total(),
	}
}

// =============================================================================
// REQUEST
// =============================================================================

// responsesImageURL accepts both the string and the {url} object form.
func responsesImageURL(raw json.RawMessage) string {
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.String()
	}
	return res.Get("url").String()
}

func responsesParts(raw json.RawMessage) (string, []ContentPart) {
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.String(), nil
	}
	var in []ResponsesContentPart
	if err := json.Unmarshal(raw, &in); err != nil {
		return "", nil
	}
	var parts []ContentPart
	for _, p := range in {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, textPart(p.Text))
		case "input_image":
			if url := responsesImageURL(p.ImageURL); url != "" {
				parts = append(parts, imagePart(url))
			}
		}
	}
	return "", parts
}

func decodeResponsesRequest(body []byte) (*Request, error) {
	var in ResponsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	out := &Request{
		Model:       in.Model,
		MaxTokens:   in.MaxOutputTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if in.Instructions != "" {
		out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleSystem, Content: in.Instructions})
	}

	input := gjson.ParseBytes(in.Input)
	if input.Type == gjson.String {
		out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleUser, Content: input.String()})
	} else if input.IsArray() {
		var items []ResponsesItem
		if err := json.Unmarshal(in.Input, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			switch {
			case it.Type == "function_call":
				args := ""
				if it.Arguments != nil {
					args = *it.Arguments
				}
				callID := it.CallID
				if callID == "" {
					callID = it.ID
				}
				call := functionCall(callID, it.Name, args)
				// consecutive calls belong to the same assistant turn
				if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == openai.ChatMessageRoleAssistant {
					out.Messages[n-1].ToolCalls = append(out.Messages[n-1].ToolCalls, call)
				} else {
					out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{call}})
				}
			case it.Type == "function_call_output":
				output := gjson.ParseBytes(it.Output)
				content := output.Raw
				if output.Type == gjson.String {
					content = output.String()
				}
				out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleTool, ToolCallID: it.CallID, Content: content})
			case it.Type == "message" || (it.Type == "" && it.Role != ""):
				content, parts := responsesParts(it.Content)
				switch it.Role {
				case "system", "developer":
					out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleSystem, Content: content + textOf(Message{Parts: parts})})
				case "user":
					if parts != nil {
						out.Messages = append(out.Messages, userMessage(parts))
					} else {
						out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleUser, Content: content})
					}
				case "assistant":
					out.Messages = append(out.Messages, Message{Role: openai.ChatMessageRoleAssistant, Content: content + textOf(Message{Parts: parts})})
				}
			}
		}
	}

	for _, t := range in.Tools {
		if t.Type == "function" {
			out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
	}

	tc := gjson.ParseBytes(in.ToolChoice)
	switch {
	case tc.Type == gjson.String:
		switch mode := tc.String(); mode {
		case ToolChoiceAuto, ToolChoiceRequired, ToolChoiceNone:
			out.ToolChoice = &ToolChoice{Mode: mode}
		}
	case tc.Get("type").String() == "function":
		name := tc.Get("name").String()
		if name == "" {
			name = tc.Get("function.name").String()
		}
		if name != "" {
			out.ToolChoice = &ToolChoice{Mode: ToolChoiceFunction, Name: name}
		}
	}
	return out, nil
}

func marshalResponsesParts(m Message, textType string) (json.RawMessage, error) {
	var parts []ResponsesContentPart
	if m.Parts == nil {
		parts = append(parts, ResponsesContentPart{Type: textType, Text: m.Content})
	}
	for _, p := range m.Parts {
		switch p.Type {
		case openai.ChatMessagePartTypeText:
			parts = append(parts, ResponsesContentPart{Type: textType, Text: p.Text})
		case openai.ChatMessagePartTypeImageURL:
			url, err := json.Marshal(p.ImageURL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, ResponsesContentPart{Type: "input_image", ImageURL: url})
		}
	}
	return json.Marshal(parts)
}

// encodeResponsesRequest raises a canonical request to the items dialect.
// Stop sequences have no equivalent there and are dropped.
func encodeResponsesRequest(req *Request) ([]byte, error) {
	out := ResponsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}

	items := []ResponsesItem{}
	for _, m := range req.Messages {
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			content, err := json.Marshal(textOf(m))
			if err != nil {
				return nil, err
			}
			items = append(items, ResponsesItem{Role: "system", Content: content})
		case openai.ChatMessageRoleUser:
			content, err := marshalResponsesParts(m, "input_text")
			if err != nil {
				return nil, err
			}
			items = append(items, ResponsesItem{Role: "user", Content: content})
		case openai.ChatMessageRoleAssistant:
			if text := textOf(m); text != "" {
				content, err := marshalResponsesParts(Message{Content: text}, "output_text")
				if err != nil {
					return nil, err
				}
				items = append(items, ResponsesItem{Role: "assistant", Content: content})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, ResponsesItem{
					Type:      "function_call",
					CallID:    orNewID(tc.ID, callIDPrefix),
					Name:      tc.Function.Name,
					Arguments: strPtr(tc.Function.Arguments),
				})
			}
		case openai.ChatMessageRoleTool:
			output, err := json.Marshal(textOf(m))
			if err != nil {
				return nil, err
			}
			items = append(items, ResponsesItem{Type: "function_call_output", CallID: m.ToolCallID, Output: output})
		}
	}
	input, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	out.Input = input

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ResponsesTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	if tc := req.ToolChoice; tc != nil {
		if tc.Mode == ToolChoiceFunction {
			out.ToolChoice, err = json.Marshal(map[string]string{"type": "function", "name": tc.Name})
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

func decodeResponsesResponse(body []byte) (*Response, error) {
	root := gjson.ParseBytes(body)
	if r := root.Get("response"); r.IsObject() {
		root = r
	}
	var in ResponsesResponse
	if err := json.Unmarshal([]byte(root.Raw), &in); err != nil {
		return nil, err
	}

	out := &Response{
		ID:      in.ID,
		Model:   in.Model,
		Created: in.CreatedAt,
		Usage:   responsesUsageFrom(root.Get("usage")),
	}
	var text string
	for _, it := range in.Output {
		switch it.Type {
		case "message":
			content, parts := responsesParts(it.Content)
			text += content + textOf(Message{Parts: parts})
		case "function_call":
			args := ""
			if it.Arguments != nil {
				args = *it.Arguments
			}
			out.ToolCalls = append(out.ToolCalls, functionCall(orNewID(it.CallID, callIDPrefix), it.Name, args))
		}
	}
	out.Content = text
	incomplete := ""
	if in.IncompleteDetails != nil {
		incomplete = in.IncompleteDetails.Reason
	}
	out.FinishReason = finishFromResponses(in.Status, incomplete, len(out.ToolCalls) > 0)
	return out, nil
}

// responsesOutput builds the output items for a finished response.
func responsesOutput(text string, calls []openai.ToolCall) ([]ResponsesItem, error) {
	items := []ResponsesItem{}
	if text != "" {
		content, err := json.Marshal([]map[string]any{{"type": "output_text", "text": text, "annotations": []any{}}})
		if err != nil {
			return nil, err
		}
		items = append(items, ResponsesItem{
			Type:    "message",
			ID:      newID(messageItemIDPrefix),
			Role:    "assistant",
			Status:  "completed",
			Content: content,
		})
	}
	for _, tc := range calls {
		items = append(items, ResponsesItem{
			Type:      "function_call",
			ID:        newID(itemIDPrefix),
			Status:    "completed",
			CallID:    orNewID(tc.ID, callIDPrefix),
			Name:      tc.Function.Name,
			Arguments: strPtr(tc.Function.Arguments),
		})
	}
	return items, nil
}

func encodeResponsesResponse(resp *Response) ([]byte, error) {
	output, err := responsesOutput(resp.Content, resp.ToolCalls)
	if err != nil {
		return nil, err
	}
	status, incomplete := responsesStatus(resp.FinishReason)
	out := ResponsesResponse{
		ID:                translateID(resp.ID, openaiIDPrefix),
		Object:            "response",
		CreatedAt:         resp.Created,
		Model:             resp.Model,
		Status:            status,
		IncompleteDetails: incomplete,
		Output:            output,
		Usage:             responsesUsage(resp.Usage),
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}
	return json.Marshal(out)
}

// =============================================================================
// STREAM
// =============================================================================

// responsesChunkDecoder maps function call items to tool call indexes.
type responsesChunkDecoder struct {
	id    string
	model string
	items map[string]int
	tools int
}

func (d *responsesChunkDecoder) toolIndex(ev gjson.Result) int {
	if idx, ok := d.items[ev.Get("item_id").String()]; ok {
		return idx
	}
	if idx, ok := d.items["#"+ev.Get("output_index").String()]; ok {
		return idx
	}
	return 0
}

func (d *responsesChunkDecoder) Decode(part string) (Chunk, bool) {
	data, ok := dataLine(part)
	if !ok || !gjson.Valid(data) {
		return Chunk{}, false
	}
	ev := gjson.Parse(data)
	event := eventLine(part)
	if event == "" {
		event = ev.Get("type").String()
	}
	if r := ev.Get("response"); r.IsObject() {
		if id := r.Get("id").String(); id != "" {
			d.id = id
		}
		if model := r.Get("model").String(); model != "" {
			d.model = model
		}
	}

	chunk := Chunk{ID: d.id, Model: d.model, Created: time.Now().Unix()}
	switch event {
	case "response.created":
		chunk.Role = openai.ChatMessageRoleAssistant
	case "response.output_text.delta":
		chunk.Content = ev.Get("delta").String()
	case "response.output_item.added":
		item := ev.Get("item")
		if item.Get("type").String() != "function_call" {
			break
		}
		idx := d.tools
		d.tools++
		d.items[item.Get("id").String()] = idx
		d.items["#"+ev.Get("output_index").String()] = idx
		callID := item.Get("call_id").String()
		if callID == "" {
			callID = item.Get("id").String()
		}
		chunk.ToolCalls = []ToolCallDelta{{Index: idx, ID: callID, Name: item.Get("name").String()}}
	case "response.function_call_arguments.delta":
		if delta := ev.Get("delta").String(); delta != "" {
			chunk.ToolCalls = []ToolCallDelta{{Index: d.toolIndex(ev), Arguments: delta}}
		}
	case "response.completed", "response.incomplete":
		r := ev.Get("response")
		chunk.Finished = true
		chunk.FinishReason = finishFromResponses(r.Get("status").String(), r.Get("incomplete_details.reason").String(), d.tools > 0)
		chunk.Usage = responsesUsageFrom(r.Get("usage"))
		chunk.Done = true
	case "response.failed", "error":
		return Chunk{}, false
	}
	return chunk, true
}

type responsesToolItem struct {
	itemID      string
	callID      string
	name        string
	args        string
	outputIndex int
}

// responsesChunkEncoder emits response.created, item and delta events, and a
// final response.completed carrying the assembled output and usage.
type responsesChunkEncoder struct {
	started    bool
	completed  bool
	id         string
	model      string
	createdAt  int64
	nextOutput int
	textItemID string
	textOutput int
	text       string
	tools      map[int]*responsesToolItem
	toolOrder  []int
	finished   bool
	finish     openai.FinishReason
	usage      *Usage
}

func (e *responsesChunkEncoder) response(status string) ResponsesResponse {
	return ResponsesResponse{
		ID:        e.id,
		Object:    "response",
		CreatedAt: e.createdAt,
		Model:     e.model,
		Status:    status,
		Output:    []ResponsesItem{},
	}
}

func (e *responsesChunkEncoder) complete() []string {
	if e.completed {
		return nil
	}
	e.completed = true

	var out []string
	var calls []openai.ToolCall
	if e.textItemID != "" {
		out = append(out, sseEvent("response.output_text.done", map[string]any{
			"type":          "response.output_text.done",
			"item_id":       e.textItemID,
			"output_index":  e.textOutput,
			"content_index": 0,
			"text":          e.text,
		}))
	}
	for _, idx := range e.toolOrder {
		t := e.tools[idx]
		calls = append(calls, functionCall(t.callID, t.name, t.args))
		out = append(out, sseEvent("response.function_call_arguments.done", map[string]any{
			"type":         "response.function_call_arguments.done",
			"item_id":      t.itemID,
			"output_index": t.outputIndex,
			"arguments":    t.args,
		}))
	}

	resp := e.response("")
	resp.Status, resp.IncompleteDetails = responsesStatus(e.finish)
	output, err := responsesOutput(e.text, calls)
	if err != nil {
		log.Warn().Err(err).Str("response", e.id).Msg("failed to assemble completed response output")
	} else {
		resp.Output = output
	}
	resp.Usage = responsesUsage(e.usage)
	return append(out, sseEvent("response.completed", map[string]any{
		"type":     "response.completed",
		"response": resp,
	}))
}

func (e *responsesChunkEncoder) Encode(c Chunk) []string {
	if e.completed {
		return nil
	}
	var out []string
	if !e.started {
		e.started = true
		e.id = translateID(c.ID, openaiIDPrefix)
		e.model = c.Model
		e.createdAt = c.Created
		if e.createdAt == 0 {
			e.createdAt = time.Now().Unix()
		}
		e.tools = map[int]*responsesToolItem{}
		out = append(out, sseEvent("response.created", map[string]any{
			"type":     "response.created",
			"response": e.response("in_progress"),
		}))
	}

	if c.Content != "" {
		if e.textItemID == "" {
			e.textItemID = newID(messageItemIDPrefix)
			e.textOutput = e.nextOutput
			e.nextOutput++
			out = append(out, sseEvent("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": e.textOutput,
				"item": ResponsesItem{
					Type:    "message",
					ID:      e.textItemID,
					Role:    "assistant",
					Status:  "in_progress",
					Content: json.RawMessage("[]"),
				},
			}))
		}
		e.text += c.Content
		out = append(out, sseEvent("response.output_text.delta", map[string]any{
			"type":          "response.output_text.delta",
			"item_id":       e.textItemID,
			"output_index":  e.textOutput,
			"content_index": 0,
			"delta":         c.Content,
		}))
	}

	for _, tc := range c.ToolCalls {
		t, ok := e.tools[tc.Index]
		if !ok {
			t = &responsesToolItem{
				itemID:      newID(itemIDPrefix),
				callID:      orNewID(tc.ID, callIDPrefix),
				name:        tc.Name,
				outputIndex: e.nextOutput,
			}
			e.nextOutput++
			e.tools[tc.Index] = t
			e.toolOrder = append(e.toolOrder, tc.Index)
			out = append(out, sseEvent("response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": t.outputIndex,
				"item": ResponsesItem{
					Type:      "function_call",
					ID:        t.itemID,
					Status:    "in_progress",
					CallID:    t.callID,
					Name:      t.name,
					Arguments: strPtr(""),
				},
			}))
		}
		if tc.Arguments != "" {
			t.args += tc.Arguments
			out = append(out, sseEvent("response.function_call_arguments.delta", map[string]any{
				"type":         "response.function_call_arguments.delta",
				"item_id":      t.itemID,
				"output_index": t.outputIndex,
				"delta":        tc.Arguments,
			}))
		}
	}

	if c.Finished {
		e.finished = true
		e.finish = c.FinishReason
	}
	if c.Usage != nil {
		e.usage = c.Usage
	}
	if (e.finished && e.usage != nil) || c.Done {
		out = append(out, e.complete()...)
	}
	return out
}

func (e *responsesChunkEncoder) Flush() []string {
	if !e.started {
		return nil
	}
	return e.complete()
}
