package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// peekCap bounds how much of a request body the proxy buffers for
// inspection and replay.
const peekCap = 1 << 20

// defaultTransport tunes connection reuse for repeated hops to the same
// upstreams.
func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// RewriteURL maps an incoming /mcp/<id>/<rest>?<q> request onto the
// registered origin: the /mcp/<id> prefix is stripped, the origin's base
// path is prepended, and origin-configured query parameters override the
// client's.
func RewriteURL(upstream *url.URL, serverID string, incoming *url.URL) *url.URL {
	out := *upstream

	rest := strings.TrimPrefix(incoming.Path, "/mcp/"+serverID)
	if rest == "/" {
		rest = ""
	}
	base := strings.TrimRight(upstream.Path, "/")
	switch {
	case base == "" && rest == "":
		out.Path = "/"
	case rest == "":
		out.Path = base
	default:
		out.Path = base + rest
	}

	merged := incoming.Query()
	for key, values := range upstream.Query() {
		merged[key] = values
	}
	out.RawQuery = merged.Encode()
	out.Fragment = ""
	return &out
}

// buildOutboundRequest assembles the upstream request from the prepared
// context. The Host header is forced to the upstream's host; registered
// auth headers are applied last so they survive filtering.
func buildOutboundRequest(ctx context.Context, rc *RequestContext) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, rc.Request.Method, rc.OutboundURL.String(), rc.outboundBody())
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for name, values := range rc.OutboundHeader {
		req.Header[name] = append([]string(nil), values...)
	}
	req.Host = rc.OutboundURL.Host
	if rc.BodyOverflow == nil {
		req.ContentLength = int64(len(rc.Body))
	}
	return req, nil
}

// captureBody reads up to peekCap bytes of the request body. Bodies over
// the cap keep the remainder as an overflow reader so the forwarder can
// still replay them.
func captureBody(body io.ReadCloser) (captured []byte, overflow io.Reader, err error) {
	if body == nil {
		return nil, nil, nil
	}
	captured, err = io.ReadAll(io.LimitReader(body, peekCap+1))
	if err != nil {
		return nil, nil, err
	}
	if len(captured) > peekCap {
		return captured, body, nil
	}
	return captured, nil, nil
}

// isEventStream reports whether a response is server-sent events, which
// the proxy must never buffer or cache.
func isEventStream(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/event-stream")
}
