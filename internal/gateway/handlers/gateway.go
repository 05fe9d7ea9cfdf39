package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierr"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/billing"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/quota"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/routing"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/stream"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Correlation headers sent by clients. They are logged and never forwarded.
const (
	HeaderSession = "x-opencode-session"
	HeaderRequest = "x-opencode-request"
	HeaderProject = "x-opencode-project"
	HeaderClient  = "x-opencode-client"
)

// Authenticator resolves API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey, modelID, byokProvider string) (*models.AuthContext, error)
}

// UsageStore persists metered usage.
type UsageStore interface {
	CommitUsage(ctx context.Context, c models.UsageCommit) error
}

// DefaultMaxBodyBytes caps inbound request bodies when Options.MaxBodyBytes
// is unset.
const DefaultMaxBodyBytes = 32 << 20

// Options are the orchestrator settings.
type Options struct {
	MaxRetries           int
	FreeWorkspaces       []string
	MaxBodyBytes         int64
	// RateLimitWindowHours is the number of hourly buckets a rate check sums.
	RateLimitWindowHours int
	StickyTTL            time.Duration
	Subscription         billing.SubscriptionLimits
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Catalog  *catalog.Catalog
	Auth     Authenticator
	Usage    UsageStore
	Store    quota.Store
	Reload   *billing.AutoReload
	Client   *http.Client
	Registry *metrics.Metrics
}

// Gateway is the request orchestrator shared by every inbound endpoint.
type Gateway struct {
	opts     Options
	catalog  *catalog.Catalog
	auth     Authenticator
	usage    UsageStore
	selector *routing.Selector
	validate *billing.Validator
	reload   *billing.AutoReload
	rate     *quota.RateLimiter
	trial    *quota.TrialLimiter
	sticky   *quota.StickyTracker
	client   *http.Client
	metrics  *metrics.Metrics
	free     map[string]bool
}

// NewGateway wires the orchestrator.
func NewGateway(opts Options, deps Deps) *Gateway {
	free := make(map[string]bool, len(opts.FreeWorkspaces))
	for _, id := range opts.FreeWorkspaces {
		free[id] = true
	}
	client := deps.Client
	if client == nil {
		client = NewUpstreamClient(5 * time.Minute)
	}
	return &Gateway{
		opts:     opts,
		catalog:  deps.Catalog,
		auth:     deps.Auth,
		usage:    deps.Usage,
		selector: routing.NewSelector(deps.Catalog, opts.MaxRetries),
		validate: billing.NewValidator(opts.Subscription),
		reload:   deps.Reload,
		rate:     quota.NewRateLimiter(deps.Store, opts.RateLimitWindowHours),
		trial:    quota.NewTrialLimiter(deps.Store),
		sticky:   quota.NewStickyTracker(deps.Store, opts.StickyTTL),
		client:   client,
		metrics:  deps.Registry,
		free:     free,
	}
}

// NewUpstreamClient returns the client used to reach providers. timeout
// bounds connecting and waiting for response headers only; a streamed body
// lives as long as the inbound request context.
func NewUpstreamClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// call is the state of one inbound request.
type call struct {
	ep      Endpoint
	r       *http.Request
	body    []byte
	modelID string
	stream  bool
	ip      string
	session string
	client  string
	log     zerolog.Logger

	model   *catalog.Model
	auth    *models.AuthContext
	isTrial bool
	sel     *routing.Selection
	helper  providers.Helper
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handle returns the handler for one inbound endpoint.
func (g *Gateway) Handle(ep Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := g.opts.MaxBodyBytes
		if limit <= 0 {
			limit = DefaultMaxBodyBytes
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.Write(w, apierr.New(apierr.RequestTooLarge, "Request body exceeds %d bytes.", tooLarge.Limit))
			return
		}
		if err != nil {
			apierr.Write(w, fmt.Errorf("failed to read request body: %w", err))
			return
		}

		c := &call{
			ep:      ep,
			r:       r,
			body:    body,
			modelID: ep.ParseModel(r, body),
			stream:  ep.ParseIsStream(r, body),
			ip:      clientIP(r),
			session: r.Header.Get(HeaderSession),
			client:  r.Header.Get(HeaderClient),
		}
		c.log = log.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("format", string(ep.Format)).
			Str("model", c.modelID).
			Bool("stream", c.stream).
			Str("session", c.session).
			Str("request", r.Header.Get(HeaderRequest)).
			Str("client", c.client).
			Logger()

		if err := g.serve(w, c); err != nil {
			var apiErr *apierr.Error
			if errors.As(err, &apiErr) {
				c.log.Info().Str("error_type", string(apiErr.Kind)).Msg(apiErr.Message)
				g.metrics.Requests.WithLabelValues(string(ep.Format), strconv.Itoa(apiErr.Status())).Inc()
			} else {
				c.log.Error().Err(err).Msg("request failed")
				g.metrics.Requests.WithLabelValues(string(ep.Format), "500").Inc()
			}
			apierr.Write(w, err)
		}
	}
}

// serve runs the request. A returned error means nothing was written yet.
func (g *Gateway) serve(w http.ResponseWriter, c *call) error {
	ctx := c.r.Context()

	model, err := g.catalog.Lookup(c.modelID, c.ep.Format)
	if err != nil {
		return apierr.New(apierr.ModelError, "Model %s not supported", c.modelID)
	}
	c.model = model

	if err := g.authenticate(ctx, c); err != nil {
		return err
	}

	if c.auth == nil {
		if model.Trial != nil {
			isTrial, err := g.trial.IsTrial(ctx, model.Trial, c.ip, c.client)
			if err != nil {
				c.log.Warn().Err(err).Msg("trial lookup failed")
			}
			c.isTrial = isTrial
		}
		if err := g.rate.Check(ctx, c.ip, model.RateLimit); err != nil {
			var apiErr *apierr.Error
			if errors.As(err, &apiErr) {
				return err
			}
			c.log.Warn().Err(err).Msg("rate limit lookup failed")
		}
	}

	var sticky string
	if model.StickyProvider {
		if sticky, err = g.sticky.Get(ctx, c.session); err != nil {
			c.log.Warn().Err(err).Msg("sticky provider lookup failed")
		}
	}

	res, err := g.retriable(ctx, c, sticky)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if model.StickyProvider {
		if err := g.sticky.Set(ctx, c.session, c.sel.Ref.ID); err != nil {
			c.log.Warn().Err(err).Msg("failed to store sticky provider")
		}
	}

	if c.stream {
		g.relayStream(w, c, res)
	} else {
		g.relayBody(w, c, res)
	}

	// every relayed response counts against the anonymous rate limit,
	// failed ones included
	if c.auth == nil && model.RateLimit > 0 {
		if err := g.rate.Track(context.WithoutCancel(ctx), c.ip); err != nil {
			g.bestEffortFailed(c, "rate", err)
		}
	}
	return nil
}

func (g *Gateway) authenticate(ctx context.Context, c *call) error {
	key := c.ep.ParseAPIKey(c.r)
	if key == "" || key == "public" {
		if c.model.AllowAnonymous {
			return nil
		}
		return apierr.New(apierr.AuthError, "Missing API key.")
	}

	auth, err := g.auth.Authenticate(ctx, key, c.model.ID, c.model.BYOKProvider)
	if errors.Is(err, database.ErrKeyNotFound) {
		return apierr.New(apierr.AuthError, "Invalid API key.")
	}
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	auth.IsFree = g.free[auth.WorkspaceID]
	c.auth = auth
	c.log = c.log.With().
		Str("api_key", auth.APIKeyID).
		Str("workspace", auth.WorkspaceID).
		Bool("subscription", auth.Subscription != nil).
		Logger()
	return nil
}

// retriable calls providers until one answers or retrying stops. At most
// MaxRetries+1 calls are made and each failed body is closed first.
func (g *Gateway) retriable(ctx context.Context, c *call, sticky string) (*http.Response, error) {
	retry := routing.RetryState{}
	var byokKey string
	if c.auth != nil {
		byokKey = c.auth.BYOKCredentials
	}

	for {
		sel, err := g.selector.Select(routing.Input{
			Model:     c.model,
			SessionID: c.session,
			IsTrial:   c.isTrial,
			BYOKKey:   byokKey,
			Sticky:    sticky,
			Retry:     retry,
		})
		if err != nil {
			return nil, err
		}
		if err := g.validate.Validate(c.auth, c.model); err != nil {
			return nil, err
		}
		if err := billing.ValidateModelSettings(c.auth); err != nil {
			return nil, err
		}

		helper, err := providers.HelperFor(sel.Provider.Format)
		if err != nil {
			return nil, apierr.New(apierr.ModelError, "Provider %s not supported", sel.Ref.ID)
		}
		c.sel, c.helper = sel, helper

		start := time.Now()
		res, err := g.forward(ctx, c)
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			return nil, err
		}
		status := http.StatusBadGateway
		if res != nil {
			status = res.StatusCode
		}
		g.metrics.UpstreamAttempts.WithLabelValues(sel.Ref.ID, strconv.Itoa(status)).Inc()
		g.metrics.TimeToFirstByte.WithLabelValues(sel.Ref.ID).Observe(time.Since(start).Seconds())

		if g.shouldRetry(c, status, retry) {
			c.log.Warn().Err(err).
				Str("provider", sel.Ref.ID).
				Int("status", status).
				Int("retry", retry.RetryCount+1).
				Msg("provider failed, retrying")
			if res != nil {
				res.Body.Close()
			}
			retry = retry.Next(sel.Ref.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", sel.Ref.ID, err)
		}

		c.log = c.log.With().Str("provider", sel.Ref.ID).Bool("byok", sel.BYOK).Bool("trial", c.isTrial).Logger()
		c.log.Debug().Int("status", status).Dur("ttfb", time.Since(start)).Msg("upstream responded")
		return res, nil
	}
}

// shouldRetry: a failed non-404 call on a non-sticky model with a fallback is
// retried unless the fallback itself failed.
func (g *Gateway) shouldRetry(c *call, status int, retry routing.RetryState) bool {
	if status == http.StatusOK || status == http.StatusNotFound {
		return false
	}
	m := c.model
	if m.StickyProvider || m.FallbackProvider == "" || c.sel.Ref.ID == m.FallbackProvider {
		return false
	}
	return retry.RetryCount < g.opts.MaxRetries
}

// Inbound headers that never reach a provider.
var strippedHeaders = []string{
	"Authorization", "X-Api-Key", "X-Goog-Api-Key",
	"Host", "Content-Length", "Accept-Encoding",
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	HeaderSession, HeaderRequest, HeaderProject, HeaderClient,
}

func upstreamHeaders(in http.Header) http.Header {
	h := in.Clone()
	for _, k := range strippedHeaders {
		h.Del(k)
	}
	return h
}

func (g *Gateway) forward(ctx context.Context, c *call) (*http.Response, error) {
	sel := c.sel
	body, err := providers.ConvertRequest(c.ep.Format, sel.Provider.Format, c.body)
	if errors.Is(err, providers.ErrUnsupportedConversion) {
		return nil, apierr.New(apierr.ModelError, "Model %s is not available in this format", c.model.ID)
	}
	if err != nil {
		return nil, apierr.New(apierr.ModelError, "Invalid request: %v", err)
	}
	if sel.Provider.Format != providers.FormatGoogle {
		if body, err = sjson.SetBytes(body, "model", sel.UpstreamModel); err != nil {
			return nil, err
		}
	}
	if body, err = c.helper.ModifyBody(body); err != nil {
		return nil, err
	}

	url := c.helper.ModifyURL(sel.Provider.API, sel.UpstreamModel, c.stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = upstreamHeaders(c.r.Header)
	req.Header.Set("Content-Type", "application/json")
	c.helper.ModifyHeaders(req.Header, body, sel.APIKey)
	for k, v := range sel.Provider.HeaderMappings {
		req.Header.Set(k, c.r.Header.Get(v))
	}

	c.log.Debug().Str("url", url).Int("bytes", len(body)).Msg("forwarding request")
	return g.client.Do(req)
}

func copyResponseHeaders(w http.ResponseWriter, res *http.Response) int {
	for _, k := range []string{"Content-Type", "Cache-Control"} {
		if v := res.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	// a provider 404 means the request named something unknown upstream
	if res.StatusCode == http.StatusNotFound {
		return http.StatusBadRequest
	}
	return res.StatusCode
}

func (g *Gateway) relayBody(w http.ResponseWriter, c *call, res *http.Response) {
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to read upstream body")
		apierr.Write(w, fmt.Errorf("upstream %s: %w", c.sel.Ref.ID, err))
		return
	}

	out := raw
	if res.StatusCode == http.StatusOK {
		converted, err := providers.ConvertResponse(c.sel.Provider.Format, c.ep.Format, raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("response conversion failed, forwarding raw body")
		} else {
			out = converted
		}
	}

	status := copyResponseHeaders(w, res)
	w.WriteHeader(status)
	if _, err := w.Write(out); err != nil {
		c.log.Debug().Err(err).Msg("client went away")
	}
	g.metrics.Requests.WithLabelValues(string(c.ep.Format), strconv.Itoa(status)).Inc()
	c.log.Info().Int("status", status).Int("response_length", len(out)).Msg("request served")

	if res.StatusCode == http.StatusOK {
		g.meter(context.WithoutCancel(c.r.Context()), c, c.helper.ExtractUsage(raw))
	}
}

func (g *Gateway) relayStream(w http.ResponseWriter, c *call, res *http.Response) {
	status := copyResponseHeaders(w, res)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(status)
	g.metrics.Requests.WithLabelValues(string(c.ep.Format), strconv.Itoa(status)).Inc()

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	if res.StatusCode != http.StatusOK {
		if _, err := io.Copy(w, res.Body); err != nil {
			c.log.Debug().Err(err).Msg("client went away")
		}
		c.log.Info().Int("status", status).Msg("upstream error relayed")
		return
	}

	t := &stream.Transformer{
		Separator: c.helper.StreamSeparator,
		Parser:    c.helper.NewUsageParser(),
	}
	if c.sel.Provider.Format != c.ep.Format {
		conv, err := providers.NewStreamConverter(c.sel.Provider.Format, c.ep.Format)
		if err != nil {
			c.log.Error().Err(err).Msg("no stream converter, forwarding raw")
		} else {
			t.Converter = conv
		}
	}

	result, err := t.Pipe(c.r.Context(), w, flush, res.Body)
	evt := c.log.Info()
	if err != nil {
		evt = c.log.Warn().Err(err)
	}
	evt.Int("status", status).Int("parts", result.Parts).Msg("stream finished")

	// the client may be gone, usage seen so far is still billed
	g.meter(context.WithoutCancel(c.r.Context()), c, t.Parser.Retrieve())
}

// meter normalizes usage, prices it and updates quotas and billing. Every
// step is best effort: failures are logged and counted.
func (g *Gateway) meter(ctx context.Context, c *call, raw json.RawMessage) {
	if raw == nil {
		c.log.Warn().Msg("no usage reported by provider")
		return
	}
	info := c.helper.NormalizeUsage(raw)
	cost := billing.Calculate(c.model, info)

	c.log.Info().
		Int("tokens.input", info.InputTokens).
		Int("tokens.output", info.OutputTokens).
		Int("tokens.reasoning", info.ReasoningTokens).
		Int("tokens.cache_read", info.CacheReadTokens).
		Int("tokens.cache_write_5m", info.CacheWrite5mTokens).
		Int("tokens.cache_write_1h", info.CacheWrite1hTokens).
		Int64("cost.input", cost.Input).
		Int64("cost.output", cost.Output).
		Int64("cost.reasoning", cost.Reasoning).
		Int64("cost.cache_read", cost.CacheRead).
		Int64("cost.cache_write_5m", cost.CacheWrite5m).
		Int64("cost.cache_write_1h", cost.CacheWrite1h).
		Int64("cost.total", cost.Total).
		Msg("usage")
	g.countTokens(c.model.ID, info)

	if c.isTrial {
		if err := g.trial.Track(ctx, c.ip, info); err != nil {
			g.bestEffortFailed(c, "trial", err)
		}
	}
	if c.auth == nil {
		return
	}

	charged := cost.Total
	if c.sel.BYOK {
		charged = 0
	}
	g.metrics.CostMicroCents.WithLabelValues(c.model.ID).Add(float64(charged))

	weekStart, _ := billing.WeekBounds(time.Now())
	commit := models.UsageCommit{
		Record: models.UsageRecord{
			ID:                 "usg_" + uuid.NewString(),
			WorkspaceID:        c.auth.WorkspaceID,
			KeyID:              c.auth.APIKeyID,
			UserID:             c.auth.User.ID,
			Model:              c.model.ID,
			Provider:           c.sel.Ref.ID,
			InputTokens:        info.InputTokens,
			OutputTokens:       info.OutputTokens,
			ReasoningTokens:    info.ReasoningTokens,
			CacheReadTokens:    info.CacheReadTokens,
			CacheWrite5mTokens: info.CacheWrite5mTokens,
			CacheWrite1hTokens: info.CacheWrite1hTokens,
			Cost:               charged,
		},
		Subscription:  c.auth.Subscription != nil,
		IsFree:        c.auth.IsFree,
		WeekStart:     weekStart,
		RollingWindow: g.opts.Subscription.RollingWindow,
	}
	if commit.Subscription {
		commit.Record.Plan = "sub"
	}
	if err := g.usage.CommitUsage(ctx, commit); err != nil {
		g.bestEffortFailed(c, "usage", err)
		return
	}

	if g.reload == nil {
		return
	}
	if _, err := g.reload.Check(ctx, c.auth, charged); err != nil {
		g.bestEffortFailed(c, "reload", err)
	}
}

func (g *Gateway) countTokens(model string, info providers.UsageInfo) {
	for category, n := range map[string]int{
		"input":          info.InputTokens,
		"output":         info.OutputTokens,
		"reasoning":      info.ReasoningTokens,
		"cache_read":     info.CacheReadTokens,
		"cache_write_5m": info.CacheWrite5mTokens,
		"cache_write_1h": info.CacheWrite1hTokens,
	} {
		if n > 0 {
			g.metrics.Tokens.WithLabelValues(model, category).Add(float64(n))
		}
	}
}

func (g *Gateway) bestEffortFailed(c *call, step string, err error) {
	g.metrics.CommitFailures.WithLabelValues(step).Inc()
	c.log.Error().Err(err).Str("step", step).Msg("post-response update failed")
}
