package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
	onRead func(i int)
	i      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		return 0, io.EOF
	}
	if r.onRead != nil {
		r.onRead(r.i)
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func helper(t *testing.T, f providers.Format) providers.Helper {
	t.Helper()
	h, err := providers.HelperFor(f)
	require.NoError(t, err)
	return h
}

const chatStream = `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"k2","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"k2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"k2","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":4,"prompt_tokens_details":{"cached_tokens":10}}}

data: [DONE]

`

func TestPipe_PassThroughWithSplitUsageEvent(t *testing.T) {
	h := helper(t, providers.FormatOACompat)
	usageAt := strings.Index(chatStream, `"usage"`)
	r := &chunkReader{chunks: []string{chatStream[:usageAt], chatStream[usageAt:]}}

	tr := &Transformer{Separator: h.StreamSeparator, Parser: h.NewUsageParser()}
	var out bytes.Buffer
	flushes := 0
	res, err := tr.Pipe(context.Background(), &out, func() { flushes++ }, r)
	require.NoError(t, err)

	assert.Equal(t, chatStream, out.String())
	assert.Equal(t, 2, flushes)
	assert.True(t, res.FirstByte)
	assert.Equal(t, 4, res.Parts)

	info := h.NormalizeUsage(tr.Parser.Retrieve())
	assert.Equal(t, providers.UsageInfo{InputTokens: 20, OutputTokens: 4, CacheReadTokens: 10}, info)
}

func TestPipe_ConvertsChatToStructured(t *testing.T) {
	h := helper(t, providers.FormatOACompat)
	conv, err := providers.NewStreamConverter(providers.FormatOACompat, providers.FormatAnthropic)
	require.NoError(t, err)

	// byte-at-a-time reads still only see whole parts
	var chunks []string
	for i := 0; i < len(chatStream); i += 7 {
		end := i + 7
		if end > len(chatStream) {
			end = len(chatStream)
		}
		chunks = append(chunks, chatStream[i:end])
	}

	tr := &Transformer{Separator: h.StreamSeparator, Parser: h.NewUsageParser(), Converter: conv}
	var out bytes.Buffer
	_, err = tr.Pipe(context.Background(), &out, nil, &chunkReader{chunks: chunks})
	require.NoError(t, err)

	body := out.String()
	assert.Contains(t, body, "event: message_start\n")
	assert.Contains(t, body, `"text":"Hi"`)
	assert.Contains(t, body, "event: message_delta\n")
	assert.True(t, strings.HasSuffix(body, "event: message_stop\n"+`data: {"type":"message_stop"}`+"\n\n"))
	assert.NotContains(t, body, "[DONE]")
	assert.NotNil(t, tr.Parser.Retrieve())
}

func TestPipe_GenerationSeparatorAndUnterminatedTail(t *testing.T) {
	h := helper(t, providers.FormatGoogle)
	stream := "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}\r\n\r\n" +
		"data: {\"candidates\":[],\"usageMetadata\":{\"promptTokenCount\":9,\"candidatesTokenCount\":2}}"

	tr := &Transformer{Separator: h.StreamSeparator, Parser: h.NewUsageParser()}
	var out bytes.Buffer
	res, err := tr.Pipe(context.Background(), &out, nil, strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, stream, out.String())
	assert.Equal(t, 2, res.Parts)
	assert.Equal(t, 9, h.NormalizeUsage(tr.Parser.Retrieve()).InputTokens)
}

func TestPipe_ClientGoneKeepsPartialUsage(t *testing.T) {
	h := helper(t, providers.FormatAnthropic)
	ctx, cancel := context.WithCancel(context.Background())
	r := &chunkReader{
		chunks: []string{
			"event: message_start\n" + `data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":40,"output_tokens":1}}}` + "\n\n",
			"event: content_block_delta\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}` + "\n\n",
			"event: message_delta\n" + `data: {"type":"message_delta","usage":{"output_tokens":90}}` + "\n\n",
		},
		onRead: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}

	tr := &Transformer{Separator: h.StreamSeparator, Parser: h.NewUsageParser()}
	_, err := tr.Pipe(ctx, io.Discard, nil, r)
	assert.ErrorIs(t, err, context.Canceled)

	info := h.NormalizeUsage(tr.Parser.Retrieve())
	assert.Equal(t, 40, info.InputTokens)
	assert.Equal(t, 1, info.OutputTokens)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestPipe_WriteFailureStops(t *testing.T) {
	h := helper(t, providers.FormatOACompat)
	tr := &Transformer{Separator: h.StreamSeparator, Parser: h.NewUsageParser()}
	res, err := tr.Pipe(context.Background(), failingWriter{}, nil, strings.NewReader(chatStream))
	assert.EqualError(t, err, "broken pipe")
	assert.False(t, res.FirstByte)
}
