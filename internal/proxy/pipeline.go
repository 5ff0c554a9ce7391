package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/config"
	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/signer"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// StepFunc mutates the request context, optionally setting a terminal
// response. Returning an error surfaces as a 500 unless a terminal was
// already set.
type StepFunc func(ctx context.Context, rc *RequestContext) error

// Step is one named stage of the request pipeline.
type Step struct {
	Name string
	Run  StepFunc
}

// Deps are the external collaborators the pipeline consumes.
type Deps struct {
	Facilitators *x402.FacilitatorPool
	Signers      *signer.Registry
	Sessions     SessionValidator
	Audit        *AuditLog
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Pipeline executes the fixed step chain for every proxied request:
// auth-resolve, inspect-tool-call, rate-limit, cache-read,
// forward-prepare, payment-gate, upstream-dispatch, cache-write, then the
// usage recorder as an analytics tail.
type Pipeline struct {
	cfg          config.Config
	store        model.Store
	facilitators *x402.FacilitatorPool
	signers      *signer.Registry
	auth         *AuthResolver
	limiter      *HostLimiter
	cache        *ResponseCache
	audit        *AuditLog
	client       *http.Client
	logger       *zap.Logger

	steps []Step
	now   func() time.Time
}

func NewPipeline(cfg config.Config, store model.Store, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}

	p := &Pipeline{
		cfg:          cfg,
		store:        store,
		facilitators: deps.Facilitators,
		signers:      deps.Signers,
		auth:         NewAuthResolver(store, deps.Sessions, logger),
		limiter:      NewHostLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, cfg.RateLimit.MinDelayMs),
		audit:        deps.Audit,
		client:       client,
		logger:       logger,
		now:          time.Now,
	}
	if cfg.Cache.Enabled {
		p.cache = NewResponseCache(cfg.Cache.DefaultTTLSec)
	}

	p.steps = []Step{
		{Name: "auth-resolve", Run: p.resolveAuth},
		{Name: "inspect-tool-call", Run: p.inspectToolCall},
		{Name: "rate-limit", Run: p.rateLimit},
		{Name: "cache-read", Run: p.cacheRead},
		{Name: "forward-prepare", Run: p.prepareForward},
		{Name: "payment-gate", Run: p.paymentGate},
		{Name: "upstream-dispatch", Run: p.dispatch},
		{Name: "cache-write", Run: p.cacheWrite},
	}
	return p
}

// ServeHTTP runs the pipeline for one request and relays the outcome.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := &RequestContext{Request: r, Started: p.now()}

	body, overflow, err := captureBody(r.Body)
	if err != nil {
		p.logger.Warn("request body read failed", zap.Error(err))
		writeTerminal(w, errorTerminal(http.StatusBadRequest, "unreadable request body"), "")
		return
	}
	rc.Body = body
	rc.BodyOverflow = overflow

	p.run(ctx, rc)

	if ctx.Err() != nil {
		// Client is gone; there is nobody to answer.
		return
	}
	p.writeOutcome(w, rc)
}

func (p *Pipeline) run(ctx context.Context, rc *RequestContext) {
	for _, step := range p.steps {
		if ctx.Err() != nil {
			return
		}
		if rc.Terminal != nil {
			break
		}
		if err := step.Run(ctx, rc); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("pipeline step failed",
				zap.String("step", step.Name),
				zap.String("server_id", rc.ServerID),
				zap.Error(err))
			if rc.Terminal == nil {
				rc.Terminal = errorTerminal(http.StatusInternalServerError, "proxy error")
			}
			break
		}
	}

	// Analytics runs only for requests that reached the upstream; a
	// cancelled request records nothing.
	if rc.UpstreamStatus != 0 && ctx.Err() == nil {
		p.recordUsage(ctx, rc)
	}
}

func (p *Pipeline) writeOutcome(w http.ResponseWriter, rc *RequestContext) {
	if rc.Terminal != nil {
		writeTerminal(w, rc.Terminal, rc.CacheState)
		return
	}
	if rc.UpstreamStatus == 0 {
		writeTerminal(w, errorTerminal(http.StatusInternalServerError, "proxy error"), "")
		return
	}

	header := w.Header()
	for name, values := range filterResponseHeaders(rc.UpstreamHeader) {
		header[name] = values
	}
	if rc.CacheState != "" {
		header.Set(CacheStateHeader, rc.CacheState)
	}
	w.WriteHeader(rc.UpstreamStatus)

	if rc.Streaming && rc.UpstreamStream != nil {
		defer func() {
			_ = rc.UpstreamStream.Close()
		}()
		flushingCopy(w, rc.UpstreamStream)
		return
	}
	_, _ = w.Write(rc.UpstreamBody)
}

func writeTerminal(w http.ResponseWriter, terminal *Response, cacheState string) {
	header := w.Header()
	for name, values := range terminal.Header {
		header[name] = values
	}
	if cacheState != "" {
		header.Set(CacheStateHeader, cacheState)
	}
	w.WriteHeader(terminal.Status)
	_, _ = w.Write(terminal.Body)
}

// flushingCopy relays a live stream chunk by chunk so SSE events reach
// the client as they arrive.
func flushingCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// --- steps ---

func (p *Pipeline) resolveAuth(ctx context.Context, rc *RequestContext) error {
	user, method := p.auth.Resolve(ctx, rc.Request, rc.Body)
	rc.User = user
	rc.AuthMethod = method
	return nil
}

func (p *Pipeline) inspectToolCall(ctx context.Context, rc *RequestContext) error {
	serverID, ok := ParseServerID(rc.Request.URL.Path)
	if !ok {
		rc.Terminal = errorTerminal(http.StatusNotFound, "server not found")
		return nil
	}
	rc.ServerID = serverID

	server, err := p.store.GetServerByServerID(ctx, serverID)
	if err != nil {
		if errors.Is(err, model.ErrServerNotFound) {
			rc.Terminal = errorTerminal(http.StatusNotFound, "server not found")
			return nil
		}
		return err
	}
	if server.Status != model.ServerStatusActive {
		rc.Terminal = errorTerminal(http.StatusNotFound, "server not found")
		return nil
	}
	rc.Server = server

	upstream, err := url.Parse(server.OriginURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		rc.Terminal = errorTerminal(http.StatusBadGateway, "invalid upstream origin")
		return nil
	}
	rc.Upstream = upstream

	if rc.Request.Method != http.MethodPost || !isJSONRequest(rc.Request) {
		return nil
	}
	if rc.BodyOverflow != nil {
		rc.Terminal = errorTerminal(http.StatusRequestEntityTooLarge, "request body too large")
		return nil
	}

	name, args, ok := parseToolCall(rc.Body)
	if !ok {
		return nil
	}
	call := &model.ToolCall{Name: name, Args: args, ServerID: serverID}

	tool, err := p.store.GetToolByName(ctx, serverID, name)
	if err != nil {
		if !errors.Is(err, model.ErrToolNotFound) {
			p.logger.Warn("tool lookup failed",
				zap.String("server_id", serverID),
				zap.String("tool", name),
				zap.Error(err))
		}
		rc.ToolCall = call
		return nil
	}
	call.ToolID = tool.ID

	if picked := PickPricing(tool.Pricing); picked != nil {
		call.IsPaid = true
		call.Pricing = picked
		call.PayTo = server.ReceiverAddress
	}
	rc.ToolCall = call
	return nil
}

func (p *Pipeline) rateLimit(ctx context.Context, rc *RequestContext) error {
	return p.limiter.Wait(ctx, rc.Upstream.Hostname())
}

func (p *Pipeline) cacheRead(ctx context.Context, rc *RequestContext) error {
	if p.cache == nil || rc.Request.Method != http.MethodGet {
		return nil
	}
	rc.CacheKey = CacheKey(rc.Request.Method, requestFullURL(rc.Request), rc.Body)

	entry, ok := p.cache.Get(rc.CacheKey)
	if !ok {
		return nil
	}
	rc.CacheState = CacheHit
	rc.Terminal = &Response{Status: entry.Status, Header: entry.Header, Body: entry.Body}
	return nil
}

func (p *Pipeline) prepareForward(ctx context.Context, rc *RequestContext) error {
	rc.OutboundURL = RewriteURL(rc.Upstream, rc.ServerID, rc.Request.URL)
	rc.OutboundHeader = filterHeaders(rc.Request.Header)
	for name, value := range rc.Server.AuthHeaders {
		rc.OutboundHeader.Set(name, value)
	}
	rc.PaymentHeader = strings.TrimSpace(rc.Request.Header.Get(x402.HeaderPayment))
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, rc *RequestContext) error {
	req, err := buildOutboundRequest(ctx, rc)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("upstream request failed",
			zap.String("server_id", rc.ServerID),
			zap.String("upstream", rc.OutboundURL.Host),
			zap.Error(err))
		rc.Terminal = errorTerminal(http.StatusInternalServerError, "upstream request failed")
		return nil
	}

	rc.UpstreamStatus = resp.StatusCode
	rc.UpstreamHeader = resp.Header

	if isEventStream(resp.Header) {
		rc.Streaming = true
		rc.UpstreamStream = resp.Body
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.Terminal = errorTerminal(http.StatusInternalServerError, "upstream response read failed")
		return nil
	}
	rc.UpstreamBody = body
	return nil
}

func (p *Pipeline) cacheWrite(ctx context.Context, rc *RequestContext) error {
	if p.cache == nil || rc.Request.Method != http.MethodGet {
		return nil
	}
	if rc.Streaming {
		rc.CacheState = CacheBypass
		return nil
	}
	if rc.UpstreamStatus == 0 || rc.UpstreamStatus >= 400 {
		return nil
	}
	p.cache.Put(rc.CacheKey, rc.Upstream.Hostname(), rc.UpstreamStatus,
		filterResponseHeaders(rc.UpstreamHeader), rc.UpstreamBody)
	rc.CacheState = CacheMiss
	return nil
}

func requestFullURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func isJSONRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}
