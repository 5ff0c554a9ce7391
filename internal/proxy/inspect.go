package proxy

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// mcpPathPattern extracts the public server identifier from the request
// path.
var mcpPathPattern = regexp.MustCompile(`^/mcp/([^/]+)`)

// ParseServerID returns the serverId segment of a /mcp/<id>/... path.
func ParseServerID(path string) (string, bool) {
	match := mcpPathPattern.FindStringSubmatch(path)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// jsonRPCProbe is the minimal shape needed to recognize a tool call.
type jsonRPCProbe struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCall peeks a JSON-RPC body for a tools/call invocation. Any
// parse failure returns ok=false; malformed bodies are the upstream's
// problem, not the proxy's.
func parseToolCall(body []byte) (name string, args json.RawMessage, ok bool) {
	var probe jsonRPCProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", nil, false
	}
	if probe.Method != "tools/call" || len(probe.Params) == 0 {
		return "", nil, false
	}
	var params toolCallParams
	if err := json.Unmarshal(probe.Params, &params); err != nil {
		return "", nil, false
	}
	if strings.TrimSpace(params.Name) == "" {
		return "", nil, false
	}
	return params.Name, params.Arguments, true
}

// PickPricing selects the offer used to charge a tool call: among active
// rows, the base network wins; otherwise the first active row in insertion
// order.
func PickPricing(entries []model.PricingEntry) *model.PricingEntry {
	var first *model.PricingEntry
	for i := range entries {
		entry := &entries[i]
		if !entry.Active {
			continue
		}
		if strings.EqualFold(entry.Network, x402.NetworkBase) {
			return entry
		}
		if first == nil {
			first = entry
		}
	}
	return first
}
