package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
)

// recordUsage writes one usage row per request that produced an upstream
// response. It runs after the response is committed and never fails the
// request.
func (p *Pipeline) recordUsage(ctx context.Context, rc *RequestContext) {
	event := model.UsageEvent{
		ToolID:          rc.toolID(),
		UserID:          rc.userID(),
		ResponseStatus:  rc.UpstreamStatus,
		ExecutionTimeMs: time.Since(rc.Started).Milliseconds(),
		IPAddress:       realIP(rc.Request),
		UserAgent:       rc.Request.UserAgent(),
		RequestSnapshot: requestSnapshot(rc),
		ResultSnapshot:  resultSnapshot(rc),
	}

	if err := p.store.RecordToolUsage(ctx, event); err != nil {
		p.logger.Warn("usage record write failed",
			zap.String("server_id", rc.ServerID),
			zap.Error(err))
	}

	if rc.ToolCall != nil && rc.ToolCall.IsPaid {
		p.logger.Info("paid tool call completed",
			zap.String("tool", rc.ToolCall.Name),
			zap.String("server_id", rc.ServerID),
			zap.String("payer", rc.PayerAddress),
			zap.String("amount_raw", rc.ToolCall.Pricing.MaxAmountRequiredRaw),
			zap.Int("status", rc.UpstreamStatus),
			zap.Bool("auto_signed", rc.AutoSigned))
	}
}

func requestSnapshot(rc *RequestContext) json.RawMessage {
	var snap map[string]any
	if call := rc.ToolCall; call != nil {
		snap = map[string]any{
			"method":    "tools/call",
			"name":      call.Name,
			"arguments": call.Args,
		}
	} else {
		snap = map[string]any{
			"method": rc.Request.Method,
			"path":   rc.Request.URL.Path,
		}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return raw
}

// resultSnapshot keeps valid JSON bodies as-is and wraps anything else so
// the stored column is always JSON. Streams are never captured.
func resultSnapshot(rc *RequestContext) json.RawMessage {
	if rc.Streaming || len(rc.UpstreamBody) == 0 {
		return nil
	}
	if json.Valid(rc.UpstreamBody) {
		return json.RawMessage(rc.UpstreamBody)
	}
	raw, err := json.Marshal(map[string]string{"response": string(rc.UpstreamBody)})
	if err != nil {
		return nil
	}
	return raw
}

func realIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
