package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the x402 protocol version spoken by the proxy.
const Version = 1

// HeaderPayment carries the base64-encoded PaymentPayload on requests.
const HeaderPayment = "X-PAYMENT"

const (
	SchemeExact = "exact"

	CodePaymentRequired               = "PAYMENT_REQUIRED"
	CodePaymentInvalid                = "PAYMENT_INVALID"
	CodePaymentFacilitatorUnavailable = "PAYMENT_FACILITATOR_UNAVAILABLE"
	CodePaymentSettlementFailed       = "PAYMENT_SETTLEMENT_FAILED"
	CodePaymentSettlementUnavailable  = "PAYMENT_SETTLEMENT_UNAVAILABLE"
	CodePaymentConfigInvalid          = "PAYMENT_CONFIG_INVALID"
)

// PaymentRequirement describes one way a caller can pay for a resource.
// MaxAmountRequired is the human-readable decimal amount; Asset is the
// token contract address in whose base units the pricing row is stored.
type PaymentRequirement struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

func (r PaymentRequirement) Validate() error {
	if strings.TrimSpace(r.Scheme) == "" {
		return fmt.Errorf("x402 scheme is required")
	}
	if strings.TrimSpace(r.Network) == "" {
		return fmt.Errorf("x402 network is required")
	}
	if strings.TrimSpace(r.MaxAmountRequired) == "" {
		return fmt.Errorf("x402 maxAmountRequired is required")
	}
	if strings.TrimSpace(r.Asset) == "" {
		return fmt.Errorf("x402 asset is required")
	}
	if strings.TrimSpace(r.PayTo) == "" {
		return fmt.Errorf("x402 payTo is required")
	}
	return nil
}

// PaymentRequiredResponse is the JSON body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Payer       string               `json:"payer,omitempty"`
}

// NewPaymentRequired builds a 402 body. Accepts is never nil so the body
// always serializes with an array.
func NewPaymentRequired(errMsg string, accepts []PaymentRequirement) PaymentRequiredResponse {
	if accepts == nil {
		accepts = []PaymentRequirement{}
	}
	return PaymentRequiredResponse{
		X402Version: Version,
		Error:       errMsg,
		Accepts:     accepts,
	}
}

// PaymentPayload is the decoded form of the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// ExactEVMPayload carries an EIP-3009 transfer authorization and its
// signature for the "exact" scheme on EVM networks.
type ExactEVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization mirrors the TransferWithAuthorization message fields.
// Value is in base units; ValidAfter/ValidBefore are Unix seconds as
// decimal strings; Nonce is a 32-byte hex string.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// VerifyResponse is the facilitator's answer to POST /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to POST /settle.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
}

// SupportedKind is one (version, scheme, network) triple a facilitator can
// verify and settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// EncodePaymentHeader serializes a PaymentPayload into the X-PAYMENT header
// value (standard base64 over compact JSON).
func EncodePaymentHeader(payload PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentHeader parses an X-PAYMENT header value.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	var payload PaymentPayload
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return payload, fmt.Errorf("decoding payment header: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("parsing payment header: %w", err)
	}
	if payload.X402Version != Version {
		return payload, fmt.Errorf("unsupported x402 version %d", payload.X402Version)
	}
	return payload, nil
}

// FacilitatorError describes a failed facilitator call with enough
// structure for callers to decide between a 402 challenge and a retry.
type FacilitatorError struct {
	Operation  string
	StatusCode int
	Retryable  bool
	Code       string
	Message    string
	Body       string
	Cause      error
}

func (e *FacilitatorError) Error() string {
	if e == nil {
		return "<nil FacilitatorError>"
	}
	if e.Code == "" && e.Message == "" {
		return "facilitator request failed"
	}
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *FacilitatorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
