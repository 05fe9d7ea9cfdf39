package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/billing"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/quota"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// --- fakes ---

type fakeAuth struct {
	keys  map[string]*models.AuthContext
	calls int
}

func (f *fakeAuth) Authenticate(_ context.Context, rawKey, _, _ string) (*models.AuthContext, error) {
	f.calls++
	auth, ok := f.keys[rawKey]
	if !ok {
		return nil, database.ErrKeyNotFound
	}
	cp := *auth
	return &cp, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	commits []models.UsageCommit
}

func (f *fakeUsage) CommitUsage(_ context.Context, c models.UsageCommit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, c)
	return nil
}

type lockCall struct {
	workspace string
	trigger   int64
}

type fakeReload struct {
	mu       sync.Mutex
	locks    []lockCall
	reloaded []string
}

func (f *fakeReload) AcquireReloadLock(_ context.Context, workspaceID string, trigger int64, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, lockCall{workspaceID, trigger})
	return true, nil
}

func (f *fakeReload) Reload(_ context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded = append(f.reloaded, workspaceID)
	return nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) IncrBy(_ context.Context, key string, n int64, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := strconv.ParseInt(m.data[key], 10, 64)
	cur += n
	m.data[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *memStore) SumInts(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, k := range keys {
		n, _ := strconv.ParseInt(m.data[k], 10, 64)
		sum += n
	}
	return sum, nil
}

// upstream is a mock provider that records what it received.
type upstream struct {
	srv     *httptest.Server
	mu      sync.Mutex
	hits    int
	path    string
	header  http.Header
	body    []byte
	respond func(w http.ResponseWriter, r *http.Request)
}

func newUpstream(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) *upstream {
	if respond == nil {
		respond = status(http.StatusInternalServerError, `{"error":"unexpected call"}`)
	}
	u := &upstream{respond: respond}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.hits++
		u.path = r.URL.Path
		u.header = r.Header.Clone()
		u.body = body
		u.mu.Unlock()
		u.respond(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) Hits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

func status(code int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Secret", "leak")
		w.WriteHeader(code)
		io.WriteString(w, body)
	}
}

const chatResponse = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"x",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"%s"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":10,"completion_tokens":5}}`

const structuredResponse = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-upstream",` +
	`"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":1000,"output_tokens":100}}`

const catalogTemplate = `
providers:
  primary: {api: "%s", format: oa-compat, apiKey: key-primary}
  backup: {api: "%s", format: oa-compat, apiKey: key-backup}
  claude:
    api: "%s"
    format: anthropic
    apiKey: key-claude
    headerMappings: {x-upstream-project: x-opencode-project}
models:
  chat-model:
    providers:
      - {id: primary, model: primary-upstream}
      - {id: backup, weight: 0}
    fallbackProvider: backup
    cost: {input: "1.00", output: "2.00"}
  claude-model:
    providers:
      - {id: claude, model: claude-upstream}
    cost: {input: "3.00", output: "15.00"}
  free-model:
    allowAnonymous: true
    rateLimit: 2
    providers:
      - {id: primary}
  sticky-model:
    stickyProvider: true
    providers:
      - {id: primary}
      - {id: backup}
  trial-model:
    allowAnonymous: true
    providers:
      - {id: primary}
      - {id: backup, weight: 0}
    trial:
      provider: backup
      limits: [{limit: 100}]
`

type env struct {
	router  http.Handler
	primary *upstream
	backup  *upstream
	claude  *upstream
	auth    *fakeAuth
	usage   *fakeUsage
	reload  *fakeReload
	store   *memStore
}

func paygAuth(balance int64) *models.AuthContext {
	return &models.AuthContext{
		APIKeyID:    "key_1",
		WorkspaceID: "wrk_1",
		Billing:     models.BillingSnapshot{Balance: balance, PaymentMethodID: "pm_1"},
		User:        models.UserSnapshot{ID: "usr_1"},
	}
}

func newEnv(t *testing.T, maxRetries int, primary, backup, claude func(http.ResponseWriter, *http.Request), mods ...func(*Options, *Deps)) *env {
	t.Helper()
	now := time.Now()
	e := &env{
		primary: newUpstream(t, primary),
		backup:  newUpstream(t, backup),
		claude:  newUpstream(t, claude),
		auth: &fakeAuth{keys: map[string]*models.AuthContext{
			"sk-good":  paygAuth(1_000_000_000),
			"sk-broke": paygAuth(0),
			"sk-free": func() *models.AuthContext {
				a := paygAuth(0)
				a.WorkspaceID = "wrk_free"
				return a
			}(),
			"sk-low": paygAuth(500_001_000),
			"sk-sub": func() *models.AuthContext {
				a := paygAuth(0)
				a.Subscription = &models.SubscriptionSnapshot{
					ID:               "sub_1",
					FixedUsage:       20_000_000_000,
					TimeFixedUpdated: &now,
				}
				return a
			}(),
		}},
		usage:  &fakeUsage{},
		reload: &fakeReload{},
		store:  &memStore{data: map[string]string{}},
	}

	cat, err := catalog.Parse([]byte(fmt.Sprintf(catalogTemplate, e.primary.srv.URL, e.backup.srv.URL, e.claude.srv.URL)))
	require.NoError(t, err)
	limits, err := billing.NewSubscriptionLimits("200", "20", 5*time.Hour)
	require.NoError(t, err)

	opts := Options{
		MaxRetries:           maxRetries,
		FreeWorkspaces:       []string{"wrk_free"},
		RateLimitWindowHours: 3,
		StickyTTL:            time.Hour,
		Subscription:         limits,
	}
	deps := Deps{
		Catalog:  cat,
		Auth:     e.auth,
		Usage:    e.usage,
		Store:    e.store,
		Reload:   billing.NewAutoReload(e.reload, e.reload, 5, time.Minute),
		Registry: metrics.New(prometheus.NewRegistry()),
	}
	for _, mod := range mods {
		mod(&opts, &deps)
	}
	g := NewGateway(opts, deps)
	r := chi.NewRouter()
	r.Use(Recover)
	g.Routes(r)
	e.router = r
	return e
}

func (e *env) post(path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

var bearerGood = map[string]string{"Authorization": "Bearer sk-good"}

func TestGateway_FallbackServesAfterProviderFailure(t *testing.T) {
	e := newEnv(t, 3,
		status(http.StatusServiceUnavailable, `{"error":"overloaded"}`),
		status(http.StatusOK, fmt.Sprintf(chatResponse, "from backup")),
		nil,
	)

	rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[{"role":"user","content":"hi"}]}`, bearerGood)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from backup", gjson.Get(rec.Body.String(), "choices.0.message.content").String())
	assert.Empty(t, rec.Header().Get("X-Upstream-Secret"))
	assert.Equal(t, 1, e.primary.Hits())
	assert.Equal(t, 1, e.backup.Hits())

	assert.Equal(t, "primary-upstream", gjson.GetBytes(e.primary.body, "model").String())
	assert.Equal(t, "chat-model", gjson.GetBytes(e.backup.body, "model").String())
	assert.Equal(t, "Bearer key-backup", e.backup.header.Get("Authorization"))

	require.Len(t, e.usage.commits, 1)
	rec0 := e.usage.commits[0].Record
	assert.Equal(t, "backup", rec0.Provider)
	assert.Equal(t, "wrk_1", rec0.WorkspaceID)
	assert.Equal(t, "usr_1", rec0.UserID)
	assert.Equal(t, 10, rec0.InputTokens)
	assert.Equal(t, 5, rec0.OutputTokens)
	// 10 x $1/M + 5 x $2/M
	assert.Equal(t, int64(2_000), rec0.Cost)
	assert.True(t, strings.HasPrefix(rec0.ID, "usg_"))
}

func TestGateway_MaxRetriesZeroForwardsFailure(t *testing.T) {
	e := newEnv(t, 0,
		status(http.StatusServiceUnavailable, `{"error":"overloaded"}`),
		status(http.StatusOK, fmt.Sprintf(chatResponse, "from backup")),
		nil,
	)

	rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`, bearerGood)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"overloaded"}`, rec.Body.String())
	assert.Equal(t, 1, e.primary.Hits())
	assert.Zero(t, e.backup.Hits())
	assert.Empty(t, e.usage.commits)
}

func TestGateway_NotFoundIsNotRetried(t *testing.T) {
	e := newEnv(t, 3,
		status(http.StatusNotFound, `{"error":"no such model"}`),
		status(http.StatusOK, fmt.Sprintf(chatResponse, "from backup")),
		nil,
	)

	rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`, bearerGood)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, e.backup.Hits())
	assert.Empty(t, e.usage.commits)
}

func TestGateway_NoBalanceFailsBeforeUpstream(t *testing.T) {
	e := newEnv(t, 3, status(http.StatusOK, fmt.Sprintf(chatResponse, "x")), nil, nil)

	rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`,
		map[string]string{"Authorization": "Bearer sk-broke"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "CreditsError", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Equal(t, "error", gjson.Get(rec.Body.String(), "type").String())
	assert.Zero(t, e.primary.Hits())
	assert.Empty(t, e.usage.commits)
}

func TestGateway_FreeWorkspaceSkipsBilling(t *testing.T) {
	e := newEnv(t, 3, status(http.StatusOK, fmt.Sprintf(chatResponse, "ok")), nil, nil)

	rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`,
		map[string]string{"Authorization": "Bearer sk-free"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.usage.commits, 1)
	assert.True(t, e.usage.commits[0].IsFree)
}

func TestGateway_AuthErrors(t *testing.T) {
	e := newEnv(t, 3, status(http.StatusOK, fmt.Sprintf(chatResponse, "x")), nil, nil)

	cases := []struct {
		name   string
		header map[string]string
		status int
		kind   string
	}{
		{"missing key", nil, http.StatusUnauthorized, "AuthError"},
		{"public key", map[string]string{"Authorization": "Bearer public"}, http.StatusUnauthorized, "AuthError"},
		{"unknown key", map[string]string{"Authorization": "Bearer sk-nope"}, http.StatusUnauthorized, "AuthError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`, tc.header)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.kind, gjson.Get(rec.Body.String(), "error.type").String())
		})
	}
	assert.Zero(t, e.primary.Hits())
}

func TestGateway_UnknownModel(t *testing.T) {
	e := newEnv(t, 3, nil, nil, nil)

	rec := e.post("/v1/chat/completions", `{"model":"nope","messages":[]}`, bearerGood)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ModelError", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Zero(t, e.auth.calls, "model is checked before the key")
}

func TestGateway_ConvertsChatToStructured(t *testing.T) {
	e := newEnv(t, 3, nil, nil, status(http.StatusOK, structuredResponse))

	rec := e.post("/v1/chat/completions",
		`{"model":"claude-model","messages":[{"role":"user","content":"hello"}]}`,
		map[string]string{
			"Authorization":      "Bearer sk-good",
			"x-opencode-session": "ses_1",
			"x-opencode-project": "proj_1",
		})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", gjson.Get(rec.Body.String(), "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(rec.Body.String(), "choices.0.finish_reason").String())

	assert.Equal(t, "/messages", e.claude.path)
	assert.Equal(t, "key-claude", e.claude.header.Get("x-api-key"))
	assert.Empty(t, e.claude.header.Get("Authorization"))
	assert.Empty(t, e.claude.header.Get("x-opencode-session"))
	assert.Empty(t, e.claude.header.Get("x-opencode-project"))
	assert.Equal(t, "proj_1", e.claude.header.Get("x-upstream-project"))
	assert.Equal(t, "claude-upstream", gjson.GetBytes(e.claude.body, "model").String())
	assert.Equal(t, "standard_only", gjson.GetBytes(e.claude.body, "service_tier").String())
	assert.True(t, gjson.GetBytes(e.claude.body, "max_tokens").Exists())

	require.Len(t, e.usage.commits, 1)
	// 1000 x $3/M + 100 x $15/M
	assert.Equal(t, int64(450_000), e.usage.commits[0].Record.Cost)
}

const structuredStream = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":40,"output_tokens":1}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":90}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func TestGateway_StreamPassThroughMetersUsage(t *testing.T) {
	e := newEnv(t, 3, nil, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, part := range strings.SplitAfter(structuredStream, "\n\n") {
			io.WriteString(w, part)
			w.(http.Flusher).Flush()
		}
	})

	rec := e.post("/v1/messages",
		`{"model":"claude-model","stream":true,"max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`,
		map[string]string{"x-api-key": "sk-good"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, structuredStream, rec.Body.String())

	require.Len(t, e.usage.commits, 1)
	assert.Equal(t, 40, e.usage.commits[0].Record.InputTokens)
	assert.Equal(t, 90, e.usage.commits[0].Record.OutputTokens)
}

func TestGateway_AnonymousRateLimit(t *testing.T) {
	e := newEnv(t, 3, status(http.StatusOK, fmt.Sprintf(chatResponse, "ok")), nil, nil)

	for i := 0; i < 2; i++ {
		rec := e.post("/v1/chat/completions", `{"model":"free-model","messages":[]}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := e.post("/v1/chat/completions", `{"model":"free-model","messages":[]}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimitError", gjson.Get(rec.Body.String(), "error.type").String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, 2, e.primary.Hits())
	assert.Zero(t, e.auth.calls)
	assert.Empty(t, e.usage.commits, "anonymous usage is not persisted")
}

func TestGateway_AnonymousRateLimitCountsFailedResponses(t *testing.T) {
	e := newEnv(t, 3, status(http.StatusInternalServerError, `{"error":"boom"}`), nil, nil)

	for i := 0; i < 2; i++ {
		rec := e.post("/v1/chat/completions", `{"model":"free-model","messages":[]}`, nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code, "request %d", i)
	}

	rec := e.post("/v1/chat/completions", `{"model":"free-model","messages":[]}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimitError", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Equal(t, 2, e.primary.Hits())
}

func TestGateway_BodyTooLarge(t *testing.T) {
	e := newEnv(t, 3, status(http.StatusOK, fmt.Sprintf(chatResponse, "ok")), nil, nil,
		func(o *Options, _ *Deps) { o.MaxBodyBytes = 64 })

	body := `{"model":"chat-model","messages":[{"role":"user","content":"` + strings.Repeat("a", 128) + `"}]}`
	rec := e.post("/v1/chat/completions", body, bearerGood)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "RequestTooLarge", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Zero(t, e.primary.Hits())
	assert.Zero(t, e.auth.calls)
}

func TestGateway_SlowStreamOutlivesHeaderTimeout(t *testing.T) {
	e := newEnv(t, 3, nil, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for _, part := range strings.SplitAfter(structuredStream, "\n\n") {
			time.Sleep(100 * time.Millisecond)
			io.WriteString(w, part)
			w.(http.Flusher).Flush()
		}
	}, func(_ *Options, d *Deps) { d.Client = NewUpstreamClient(250 * time.Millisecond) })

	rec := e.post("/v1/messages",
		`{"model":"claude-model","stream":true,"max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`,
		map[string]string{"x-api-key": "sk-good"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, structuredStream, rec.Body.String())
	require.Len(t, e.usage.commits, 1)
	assert.Equal(t, 90, e.usage.commits[0].Record.OutputTokens)
}

func TestGateway_UpstreamHeaderTimeout(t *testing.T) {
	e := newEnv(t, 3, nil, nil, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}, func(_ *Options, d *Deps) { d.Client = NewUpstreamClient(100 * time.Millisecond) })

	rec := e.post("/v1/messages", `{"model":"claude-model","max_tokens":8,"messages":[]}`,
		map[string]string{"x-api-key": "sk-good"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Empty(t, e.usage.commits)
}

func TestGateway_Wiring(t *testing.T) {
	ok := fmt.Sprintf(chatResponse, "ok")
	cases := []struct {
		name string
		run  func(t *testing.T, e *env)
	}{
		{
			name: "sticky provider is recorded and reused",
			run: func(t *testing.T, e *env) {
				sticky := quota.NewStickyTracker(e.store, time.Hour)
				header := map[string]string{"Authorization": "Bearer sk-good", HeaderSession: "ses_sticky"}

				rec := e.post("/v1/chat/completions", `{"model":"sticky-model","messages":[]}`, header)
				require.Equal(t, http.StatusOK, rec.Code)
				first, err := sticky.Get(context.Background(), "ses_sticky")
				require.NoError(t, err)
				require.Contains(t, []string{"primary", "backup"}, first)

				other := map[string]string{"primary": "backup", "backup": "primary"}[first]
				require.NoError(t, sticky.Set(context.Background(), "ses_sticky", other))

				rec = e.post("/v1/chat/completions", `{"model":"sticky-model","messages":[]}`, header)
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, 1, e.primary.Hits())
				assert.Equal(t, 1, e.backup.Hits())
				require.Len(t, e.usage.commits, 2)
				assert.Equal(t, first, e.usage.commits[0].Record.Provider)
				assert.Equal(t, other, e.usage.commits[1].Record.Provider)
			},
		},
		{
			name: "anonymous trial goes to the trial provider",
			run: func(t *testing.T, e *env) {
				rec := e.post("/v1/chat/completions", `{"model":"trial-model","messages":[]}`, nil)
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, 1, e.backup.Hits())
				assert.Zero(t, e.primary.Hits())
				assert.Equal(t, "15", e.store.data["trial:192.0.2.1"])

				// budget spent: regular routing
				e.store.data["trial:192.0.2.1"] = "100"
				rec = e.post("/v1/chat/completions", `{"model":"trial-model","messages":[]}`, nil)
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Equal(t, 1, e.primary.Hits())
				assert.Equal(t, 1, e.backup.Hits())
			},
		},
		{
			name: "subscription over weekly quota gets 429 with retry-after",
			run: func(t *testing.T, e *env) {
				rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`,
					map[string]string{"Authorization": "Bearer sk-sub"})

				assert.Equal(t, http.StatusTooManyRequests, rec.Code)
				assert.Equal(t, "SubscriptionError", gjson.Get(rec.Body.String(), "error.type").String())

				_, weekEnd := billing.WeekBounds(time.Now())
				want := time.Until(weekEnd).Seconds()
				got, err := strconv.ParseFloat(rec.Header().Get("Retry-After"), 64)
				require.NoError(t, err)
				assert.InDelta(t, want, got, 5)
				assert.Zero(t, e.primary.Hits())
			},
		},
		{
			name: "reload fires when the balance drops under the trigger",
			run: func(t *testing.T, e *env) {
				rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`,
					map[string]string{"Authorization": "Bearer sk-low"})
				require.Equal(t, http.StatusOK, rec.Code)

				require.Len(t, e.reload.locks, 1)
				assert.Equal(t, lockCall{"wrk_1", 500_000_000}, e.reload.locks[0])
				assert.Equal(t, []string{"wrk_1"}, e.reload.reloaded)
			},
		},
		{
			name: "reload stays idle above the trigger",
			run: func(t *testing.T, e *env) {
				rec := e.post("/v1/chat/completions", `{"model":"chat-model","messages":[]}`, bearerGood)
				require.Equal(t, http.StatusOK, rec.Code)
				assert.Empty(t, e.reload.locks)
				assert.Empty(t, e.reload.reloaded)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, 3, status(http.StatusOK, ok), status(http.StatusOK, ok), nil)
			tc.run(t, e)
		})
	}
}

func TestGateway_GenerationDialectRejectedForOtherProviders(t *testing.T) {
	e := newEnv(t, 3, nil, nil, nil)

	rec := e.post("/v1/models/chat-model:generateContent", `{"contents":[]}`,
		map[string]string{"x-goog-api-key": "sk-good"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "ModelError", gjson.Get(rec.Body.String(), "error.type").String())
	assert.Zero(t, e.primary.Hits())
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", gjson.Get(rec.Body.String(), "type").String())
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	h := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/messages", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "x-api-key")
}
