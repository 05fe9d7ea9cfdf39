package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultAnthropicVersion is sent when the caller did not pick an API version.
const DefaultAnthropicVersion = "2023-06-01"

// Helper is the set of per-format functions used to talk to an upstream
// provider. Helpers are pure: they hold no state between requests.
type Helper struct {
	Format Format

	// ModifyURL builds the upstream URL from the provider base URL.
	ModifyURL func(api, model string, stream bool) string
	// ModifyHeaders sets credentials and dialect headers on the upstream request.
	ModifyHeaders func(h http.Header, body []byte, apiKey string)
	// ModifyBody applies dialect-specific body tweaks after conversion.
	ModifyBody func(body []byte) ([]byte, error)
	// StreamSeparator delimits events in the upstream byte stream.
	StreamSeparator string
	// NewUsageParser returns a fresh per-stream usage accumulator.
	NewUsageParser func() UsageParser
	// ExtractUsage reads the raw usage object from a buffered response body.
	ExtractUsage func(body []byte) json.RawMessage
	// NormalizeUsage maps a raw usage object to UsageInfo.
	NormalizeUsage func(raw json.RawMessage) UsageInfo
}

// HelperFor returns the helper for a format.
func HelperFor(f Format) (Helper, error) {
	switch f {
	case FormatAnthropic:
		return anthropicHelper, nil
	case FormatOpenAI:
		return openaiHelper, nil
	case FormatOACompat:
		return oaCompatHelper, nil
	case FormatGoogle:
		return googleHelper, nil
	}
	return Helper{}, fmt.Errorf("unknown provider format %q", f)
}

func joinURL(api, path string) string {
	return strings.TrimRight(api, "/") + path
}

var anthropicHelper = Helper{
	Format: FormatAnthropic,
	ModifyURL: func(api, _ string, _ bool) string {
		return joinURL(api, "/messages")
	},
	ModifyHeaders: func(h http.Header, body []byte, apiKey string) {
		h.Set("x-api-key", apiKey)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", DefaultAnthropicVersion)
		}
		if strings.HasPrefix(gjson.GetBytes(body, "model").String(), "claude-sonnet-") {
			h.Set("anthropic-beta", "context-1m-2025-08-07")
		}
	},
	ModifyBody: func(body []byte) ([]byte, error) {
		return sjson.SetBytes(body, "service_tier", "standard_only")
	},
	StreamSeparator: "\n\n",
	NewUsageParser:  func() UsageParser { return &anthropicUsageParser{} },
	ExtractUsage: func(body []byte) json.RawMessage {
		return rawOf(gjson.GetBytes(body, "usage"))
	},
	NormalizeUsage: normalizeAnthropicUsage,
}

var openaiHelper = Helper{
	Format: FormatOpenAI,
	ModifyURL: func(api, _ string, _ bool) string {
		return joinURL(api, "/responses")
	},
	ModifyHeaders: func(h http.Header, _ []byte, apiKey string) {
		h.Set("Authorization", "Bearer "+apiKey)
	},
	ModifyBody:      func(body []byte) ([]byte, error) { return body, nil },
	StreamSeparator: "\n\n",
	NewUsageParser:  func() UsageParser { return &openaiUsageParser{} },
	ExtractUsage: func(body []byte) json.RawMessage {
		if u := rawOf(gjson.GetBytes(body, "usage")); u != nil {
			return u
		}
		return rawOf(gjson.GetBytes(body, "response.usage"))
	},
	NormalizeUsage: normalizeOpenAIUsage,
}

var oaCompatHelper = Helper{
	Format: FormatOACompat,
	ModifyURL: func(api, _ string, _ bool) string {
		return joinURL(api, "/chat/completions")
	},
	ModifyHeaders: func(h http.Header, _ []byte, apiKey string) {
		h.Set("Authorization", "Bearer "+apiKey)
	},
	ModifyBody: func(body []byte) ([]byte, error) {
		if !gjson.GetBytes(body, "stream").Bool() {
			return body, nil
		}
		return sjson.SetBytes(body, "stream_options.include_usage", true)
	},
	StreamSeparator: "\n\n",
	NewUsageParser:  func() UsageParser { return &oaCompatUsageParser{} },
	ExtractUsage: func(body []byte) json.RawMessage {
		return rawOf(gjson.GetBytes(body, "usage"))
	},
	NormalizeUsage: normalizeOACompatUsage,
}

var googleHelper = Helper{
	Format: FormatGoogle,
	ModifyURL: func(api, model string, stream bool) string {
		if stream {
			return joinURL(api, "/models/"+model+":streamGenerateContent?alt=sse")
		}
		return joinURL(api, "/models/"+model+":generateContent")
	},
	ModifyHeaders: func(h http.Header, _ []byte, apiKey string) {
		h.Set("x-goog-api-key", apiKey)
	},
	ModifyBody:      func(body []byte) ([]byte, error) { return body, nil },
	StreamSeparator: "\r\n\r\n",
	NewUsageParser:  func() UsageParser { return &googleUsageParser{} },
	ExtractUsage: func(body []byte) json.RawMessage {
		return rawOf(gjson.GetBytes(body, "usageMetadata"))
	},
	NormalizeUsage: normalizeGoogleUsage,
}
