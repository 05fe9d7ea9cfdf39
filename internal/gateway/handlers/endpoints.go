package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
)

// Endpoint describes one inbound dialect.
type Endpoint struct {
	Format        providers.Format
	ParseAPIKey   func(r *http.Request) string
	ParseModel    func(r *http.Request, body []byte) string
	ParseIsStream func(r *http.Request, body []byte) bool
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func bodyModel(_ *http.Request, body []byte) string {
	return gjson.GetBytes(body, "model").String()
}

func bodyStream(_ *http.Request, body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// MessagesEndpoint is POST /v1/messages.
var MessagesEndpoint = Endpoint{
	Format: providers.FormatAnthropic,
	ParseAPIKey: func(r *http.Request) string {
		if key := r.Header.Get("x-api-key"); key != "" {
			return key
		}
		return bearer(r)
	},
	ParseModel:    bodyModel,
	ParseIsStream: bodyStream,
}

// ChatCompletionsEndpoint is POST /v1/chat/completions.
var ChatCompletionsEndpoint = Endpoint{
	Format:        providers.FormatOACompat,
	ParseAPIKey:   bearer,
	ParseModel:    bodyModel,
	ParseIsStream: bodyStream,
}

// ResponsesEndpoint is POST /v1/responses.
var ResponsesEndpoint = Endpoint{
	Format:        providers.FormatOpenAI,
	ParseAPIKey:   bearer,
	ParseModel:    bodyModel,
	ParseIsStream: bodyStream,
}

// GenerateContentEndpoint is POST /v1/models/{model}:generateContent and
// :streamGenerateContent.
var GenerateContentEndpoint = Endpoint{
	Format: providers.FormatGoogle,
	ParseAPIKey: func(r *http.Request) string {
		if key := r.Header.Get("x-goog-api-key"); key != "" {
			return key
		}
		return r.URL.Query().Get("key")
	},
	ParseModel: func(r *http.Request, _ []byte) string {
		model, _ := providers.ParseGoogleModelPath(chi.URLParam(r, "target"))
		return model
	},
	ParseIsStream: func(r *http.Request, _ []byte) bool {
		_, stream := providers.ParseGoogleModelPath(chi.URLParam(r, "target"))
		return stream
	},
}

// Routes mounts the inbound endpoints.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/v1/messages", g.Handle(MessagesEndpoint))
	r.Post("/v1/chat/completions", g.Handle(ChatCompletionsEndpoint))
	r.Post("/v1/responses", g.Handle(ResponsesEndpoint))
	r.Post("/v1/models/{target}", g.Handle(GenerateContentEndpoint))
}
