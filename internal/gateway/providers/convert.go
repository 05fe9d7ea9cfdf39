package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// ErrUnsupportedConversion is returned when a conversion involves the
// generation dialect, which has no canonical round trip.
var ErrUnsupportedConversion = errors.New("conversion not supported")

// chunkDecoder lowers one raw stream part to a canonical chunk. ok is false
// when the part does not parse as the expected shape.
type chunkDecoder interface {
	Decode(part string) (chunk Chunk, ok bool)
}

// chunkEncoder raises canonical chunks to complete wire events, each ending
// with its separator. Flush emits any terminal events still pending.
type chunkEncoder interface {
	Encode(c Chunk) []string
	Flush() []string
}

// dialect is the converter set for one wire format.
type dialect struct {
	decodeRequest   func(body []byte) (*Request, error)
	encodeRequest   func(req *Request) ([]byte, error)
	decodeResponse  func(body []byte) (*Response, error)
	encodeResponse  func(resp *Response) ([]byte, error)
	newChunkDecoder func() chunkDecoder
	newChunkEncoder func() chunkEncoder
}

func dialectFor(f Format) (*dialect, error) {
	switch f {
	case FormatAnthropic:
		return &anthropicDialect, nil
	case FormatOpenAI:
		return &openaiDialect, nil
	case FormatOACompat:
		return &oaCompatDialect, nil
	case FormatGoogle:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConversion, f)
	}
	return nil, fmt.Errorf("unknown format %q", f)
}

func dialectPair(from, to Format) (*dialect, *dialect, error) {
	src, err := dialectFor(from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := dialectFor(to)
	if err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// ConvertRequest converts a request body from one dialect to another.
func ConvertRequest(from, to Format, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	src, dst, err := dialectPair(from, to)
	if err != nil {
		return nil, err
	}
	req, err := src.decodeRequest(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", from, err)
	}
	return dst.encodeRequest(req)
}

// ConvertResponse converts a buffered response body from one dialect to another.
func ConvertResponse(from, to Format, body []byte) ([]byte, error) {
	if from == to {
		return body, nil
	}
	src, dst, err := dialectPair(from, to)
	if err != nil {
		return nil, err
	}
	resp, err := src.decodeResponse(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", from, err)
	}
	return dst.encodeResponse(resp)
}

// StreamConverter re-encodes stream parts for one stream. It keeps state
// across parts (open content blocks, pending terminal events) and must not
// be shared between streams.
type StreamConverter interface {
	// Convert returns the wire events to emit for one upstream part.
	Convert(part string) []string
	// Flush returns terminal events still pending at end of stream.
	Flush() []string
}

// NewStreamConverter returns a stream converter from the upstream dialect to
// the client dialect.
func NewStreamConverter(from, to Format) (StreamConverter, error) {
	if from == to {
		return identityStream{}, nil
	}
	src, dst, err := dialectPair(from, to)
	if err != nil {
		return nil, err
	}
	return &streamConverter{dec: src.newChunkDecoder(), enc: dst.newChunkEncoder()}, nil
}

type identityStream struct{}

func (identityStream) Convert(part string) []string { return []string{part + "\n\n"} }
func (identityStream) Flush() []string              { return nil }

type streamConverter struct {
	dec chunkDecoder
	enc chunkEncoder
}

func (s *streamConverter) Convert(part string) []string {
	chunk, ok := s.dec.Decode(part)
	if !ok {
		return []string{part + "\n\n"}
	}
	if chunk.Empty() {
		return nil
	}
	return s.enc.Encode(chunk)
}

func (s *streamConverter) Flush() []string {
	return s.enc.Flush()
}

func sseEvent(event string, v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return "event: " + event + "\ndata: " + string(data) + "\n\n"
}

func sseData(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return "data: " + string(data) + "\n\n"
}

// argsToInput parses tool call arguments into a JSON value. Malformed
// arguments are kept as a JSON string.
func argsToInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	raw, _ := json.Marshal(args)
	return raw
}

// inputToArgs serializes a structured tool input into an argument string.
// A JSON string input is returned as its contents.
func inputToArgs(input json.RawMessage) string {
	res := gjson.ParseBytes(input)
	switch {
	case len(input) == 0 || res.Type == gjson.Null:
		return "{}"
	case res.Type == gjson.String:
		return res.String()
	}
	return string(input)
}

// textOf returns the text content of a message, joining text parts.
func textOf(m Message) string {
	if m.Parts == nil {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == openai.ChatMessagePartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// userMessage builds a user message, collapsing a single text part to a
// plain string.
func userMessage(parts []ContentPart) Message {
	if len(parts) == 1 && parts[0].Type == openai.ChatMessagePartTypeText {
		return Message{Role: openai.ChatMessageRoleUser, Content: parts[0].Text}
	}
	return Message{Role: openai.ChatMessageRoleUser, Parts: parts}
}

func textPart(text string) ContentPart {
	return ContentPart{Type: openai.ChatMessagePartTypeText, Text: text}
}

func imagePart(url string) ContentPart {
	return ContentPart{Type: openai.ChatMessagePartTypeImageURL, ImageURL: url}
}

func functionCall(id, name, args string) openai.ToolCall {
	return openai.ToolCall{
		ID:       id,
		Type:     openai.ToolTypeFunction,
		Function: openai.FunctionCall{Name: name, Arguments: args},
	}
}
