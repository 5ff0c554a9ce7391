package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// FacilitatorClient talks to one x402 facilitator over HTTP. Verify and
// Settle inherit the caller's context deadline; the underlying client adds
// a ceiling for facilitators that accept the connection and stall.
type FacilitatorClient struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
}

func NewFacilitatorClient(baseURL, bearerToken string, httpClient *http.Client) *FacilitatorClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &FacilitatorClient{
		baseURL:     baseURL,
		bearerToken: strings.TrimSpace(bearerToken),
		httpClient:  httpClient,
	}
}

func (c *FacilitatorClient) BaseURL() string { return c.baseURL }

// facilitatorRequest is the body of both /verify and /settle calls.
type facilitatorRequest struct {
	X402Version         int                `json:"x402Version"`
	PaymentPayload      PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

func (c *FacilitatorClient) Verify(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (VerifyResponse, error) {
	var out VerifyResponse
	raw, err := c.do(ctx, "verify", payload, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &FacilitatorError{
			Operation: "verify",
			Code:      CodePaymentFacilitatorUnavailable,
			Message:   "unparseable verify response",
			Retryable: true,
			Body:      string(raw),
			Cause:     err,
		}
	}
	return out, nil
}

func (c *FacilitatorClient) Settle(ctx context.Context, payload PaymentPayload, req PaymentRequirement) (SettleResponse, error) {
	var out SettleResponse
	raw, err := c.do(ctx, "settle", payload, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &FacilitatorError{
			Operation: "settle",
			Code:      CodePaymentSettlementUnavailable,
			Message:   "unparseable settle response",
			Retryable: true,
			Body:      string(raw),
			Cause:     err,
		}
	}
	return out, nil
}

// Supported queries GET /supported for the (version, scheme, network)
// kinds this facilitator handles.
func (c *FacilitatorClient) Supported(ctx context.Context) (SupportedResponse, error) {
	var out SupportedResponse
	if c.baseURL == "" {
		return out, &FacilitatorError{
			Operation: "supported",
			Code:      CodePaymentConfigInvalid,
			Message:   "facilitator URL is required",
			Retryable: false,
		}
	}
	endpoint, err := url.JoinPath(c.baseURL, "supported")
	if err != nil {
		return out, &FacilitatorError{
			Operation: "supported",
			Code:      CodePaymentConfigInvalid,
			Message:   "invalid facilitator URL",
			Retryable: false,
			Cause:     err,
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return out, &FacilitatorError{
			Operation: "supported",
			Code:      CodePaymentConfigInvalid,
			Message:   "failed to create facilitator request",
			Retryable: false,
			Cause:     err,
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, &FacilitatorError{
			Operation: "supported",
			Code:      CodePaymentFacilitatorUnavailable,
			Message:   "facilitator request failed",
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, &FacilitatorError{
			Operation: "supported",
			Code:      CodePaymentFacilitatorUnavailable,
			Message:   "failed to read facilitator response",
			Retryable: true,
			Cause:     err,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &FacilitatorError{
			Operation:  "supported",
			StatusCode: resp.StatusCode,
			Retryable:  isRetryableStatus(resp.StatusCode),
			Code:       CodePaymentFacilitatorUnavailable,
			Message:    fmt.Sprintf("facilitator supported request failed with status %d", resp.StatusCode),
			Body:       string(respBody),
		}
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, &FacilitatorError{
			Operation: "supported",
			Code:      CodePaymentFacilitatorUnavailable,
			Message:   "unparseable supported response",
			Retryable: true,
			Body:      string(respBody),
			Cause:     err,
		}
	}
	return out, nil
}

func (c *FacilitatorClient) do(ctx context.Context, operation string, payload PaymentPayload, req PaymentRequirement) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      CodePaymentConfigInvalid,
			Message:   "facilitator URL is required",
			Retryable: false,
		}
	}
	if err := req.Validate(); err != nil {
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      CodePaymentConfigInvalid,
			Message:   err.Error(),
			Retryable: false,
			Cause:     err,
		}
	}

	endpoint, err := url.JoinPath(c.baseURL, operation)
	if err != nil {
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      CodePaymentConfigInvalid,
			Message:   "invalid facilitator URL",
			Retryable: false,
			Cause:     err,
		}
	}

	rawBody, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      CodePaymentConfigInvalid,
			Message:   "failed to serialize facilitator request",
			Retryable: false,
			Cause:     err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(rawBody))
	if err != nil {
		// Request construction failures are validation issues; a retry
		// will never succeed.
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      CodePaymentConfigInvalid,
			Message:   "failed to create facilitator request",
			Retryable: false,
			Cause:     err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		code := CodePaymentFacilitatorUnavailable
		if operation == "settle" {
			code = CodePaymentSettlementUnavailable
		}
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      code,
			Message:   "facilitator request failed",
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &FacilitatorError{
			Operation: operation,
			Code:      CodePaymentFacilitatorUnavailable,
			Message:   "failed to read facilitator response",
			Retryable: true,
			Cause:     err,
		}
	}
	normalized := normalizeResponsePayload(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return normalized, nil
	}

	retryable := isRetryableStatus(resp.StatusCode)
	code := CodePaymentInvalid
	if operation == "settle" {
		code = CodePaymentSettlementFailed
	}
	if retryable {
		if operation == "settle" {
			code = CodePaymentSettlementUnavailable
		} else {
			code = CodePaymentFacilitatorUnavailable
		}
	}

	message := strings.TrimSpace(extractFacilitatorMessage(respBody))
	if message == "" {
		message = fmt.Sprintf("facilitator %s request failed with status %d", operation, resp.StatusCode)
	}

	return nil, &FacilitatorError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Retryable:  retryable,
		Code:       code,
		Message:    message,
		Body:       string(normalized),
	}
}

func (c *FacilitatorClient) authorize(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
}

func isRetryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusTooEarly:
		return true
	default:
		return false
	}
}

func normalizeResponsePayload(payload []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}

	var check json.RawMessage
	if err := json.Unmarshal(trimmed, &check); err == nil {
		return json.RawMessage(trimmed)
	}

	fallback, _ := json.Marshal(map[string]string{
		"raw": string(trimmed),
	})
	return json.RawMessage(fallback)
}

func extractFacilitatorMessage(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}

	var asObj map[string]interface{}
	if err := json.Unmarshal(trimmed, &asObj); err != nil {
		return string(trimmed)
	}
	for _, key := range []string{"message", "error", "reason", "invalidReason", "errorReason"} {
		if raw, ok := asObj[key]; ok {
			switch value := raw.(type) {
			case string:
				return value
			case map[string]interface{}:
				if msg, ok := value["message"].(string); ok {
					return msg
				}
			}
		}
	}
	return ""
}

// FacilitatorPool hands out one client per base URL. URL selection is per
// network: a network-specific URL wins over the default.
type FacilitatorPool struct {
	defaultURL  string
	networkURLs map[string]string
	bearerToken string
	httpClient  *http.Client

	mu      sync.Mutex
	clients map[string]*FacilitatorClient
}

func NewFacilitatorPool(defaultURL string, networkURLs map[string]string, bearerToken string, httpClient *http.Client) *FacilitatorPool {
	urls := make(map[string]string, len(networkURLs))
	for network, u := range networkURLs {
		if v := strings.TrimSpace(u); v != "" {
			urls[strings.ToLower(strings.TrimSpace(network))] = v
		}
	}
	return &FacilitatorPool{
		defaultURL:  strings.TrimSpace(defaultURL),
		networkURLs: urls,
		bearerToken: bearerToken,
		httpClient:  httpClient,
		clients:     make(map[string]*FacilitatorClient),
	}
}

// URLFor returns the facilitator base URL serving the given network.
func (p *FacilitatorPool) URLFor(network string) string {
	if u, ok := p.networkURLs[strings.ToLower(strings.TrimSpace(network))]; ok {
		return u
	}
	return p.defaultURL
}

// ForNetwork returns the client for the network's facilitator, creating it
// on first use. Clients are shared across requests.
func (p *FacilitatorPool) ForNetwork(network string) *FacilitatorClient {
	return p.ClientFor(p.URLFor(network))
}

// ClientFor returns the shared client for a base URL, creating it on first
// use with the pool's bearer token.
func (p *FacilitatorPool) ClientFor(u string) *FacilitatorClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[u]; ok {
		return c
	}
	c := NewFacilitatorClient(u, p.bearerToken, p.httpClient)
	p.clients[u] = c
	return c
}

// URLs lists the distinct configured facilitator base URLs.
func (p *FacilitatorPool) URLs() []string {
	seen := map[string]bool{}
	var out []string
	if p.defaultURL != "" && !seen[p.defaultURL] {
		seen[p.defaultURL] = true
		out = append(out, p.defaultURL)
	}
	for _, u := range p.networkURLs {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
