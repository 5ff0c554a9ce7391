package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
)

// CacheStateHeader reports cache participation on proxy responses.
const CacheStateHeader = "x-mcpay-cache"

const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Response is a terminal response produced by a pipeline step. Once set on
// the request context, no later step other than the usage recorder runs.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func jsonTerminal(status int, v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"internal error"}`)
		status = http.StatusInternalServerError
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &Response{Status: status, Header: h, Body: body}
}

func errorTerminal(status int, msg string) *Response {
	return jsonTerminal(status, map[string]string{"error": msg})
}

// RequestContext is the mutable bag threaded through the pipeline. The
// runner owns it exclusively; each step writes only the fields it produces.
type RequestContext struct {
	Request *http.Request
	Started time.Time

	// Set by the inspector.
	ServerID string
	Server   model.RegisteredServer
	Upstream *url.URL
	ToolCall *model.ToolCall

	// Captured request body. BodyOverflow is non-nil when the body
	// exceeded the peek cap; the forwarder then replays the captured
	// prefix followed by the unread remainder.
	Body         []byte
	BodyOverflow io.Reader

	// Set by the auth resolver.
	User       *model.User
	AuthMethod string

	// Set by the payment gate.
	PaymentHeader string
	PayerAddress  string
	AutoSigned    bool

	// Set by the forward-prepare step.
	OutboundURL    *url.URL
	OutboundHeader http.Header

	// Set by the cache steps.
	CacheKey   string
	CacheState string

	// Set by the dispatch step. UpstreamBody is buffered for
	// non-streaming responses; UpstreamStream stays live for SSE.
	UpstreamStatus int
	UpstreamHeader http.Header
	UpstreamBody   []byte
	UpstreamStream io.ReadCloser
	Streaming      bool

	Terminal *Response
}

// outboundBody returns a fresh reader over the captured request body.
func (rc *RequestContext) outboundBody() io.Reader {
	if rc.BodyOverflow != nil {
		return io.MultiReader(bytes.NewReader(rc.Body), rc.BodyOverflow)
	}
	if len(rc.Body) == 0 {
		return nil
	}
	return bytes.NewReader(rc.Body)
}

func (rc *RequestContext) userID() string {
	if rc.User == nil {
		return ""
	}
	return rc.User.ID
}

func (rc *RequestContext) toolID() string {
	if rc.ToolCall == nil {
		return ""
	}
	return rc.ToolCall.ToolID
}
