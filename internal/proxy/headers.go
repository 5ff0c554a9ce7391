package proxy

import (
	"net/http"
	"strings"
)

// blockedHeaders are never forwarded upstream: RFC 7230 hop-by-hop headers
// plus client credentials, forwarding chains, and platform-injected noise.
var blockedHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"cookie":              {},
	"authorization":       {},
	"forwarded":           {},
	"x-real-ip":           {},
	"x-matched-path":      {},
	"host":                {},
	"content-length":      {},
}

var blockedHeaderPrefixes = []string{
	"x-forwarded-",
	"x-vercel-",
	"cf-",
}

// forwardableHeader reports whether a client header may cross to the
// upstream. Matching is case-insensitive.
func forwardableHeader(name string) bool {
	lower := strings.ToLower(name)
	if _, blocked := blockedHeaders[lower]; blocked {
		return false
	}
	for _, prefix := range blockedHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}

// filterHeaders copies forwardable headers into a new header map.
func filterHeaders(in http.Header) http.Header {
	out := http.Header{}
	for name, values := range in {
		if !forwardableHeader(name) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// filterResponseHeaders strips hop-by-hop headers from an upstream
// response before relaying it to the client.
func filterResponseHeaders(in http.Header) http.Header {
	hopByHop := map[string]struct{}{
		"connection":        {},
		"keep-alive":        {},
		"transfer-encoding": {},
		"trailer":           {},
		"upgrade":           {},
		"te":                {},
	}
	out := http.Header{}
	for name, values := range in {
		if _, skip := hopByHop[strings.ToLower(name)]; skip {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
