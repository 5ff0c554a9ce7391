package model

import (
	"encoding/json"
	"strings"
	"time"
)

// RegisteredServer is one catalog entry for an upstream MCP endpoint.
// Clients address it through the stable public path /mcp/<ServerID>; the
// proxy resolves the entry read-only and rewrites requests to OriginURL.
type RegisteredServer struct {
	ID              string
	ServerID        string
	OriginURL       string
	ReceiverAddress string
	AuthHeaders     map[string]string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	ServerStatusActive   = "active"
	ServerStatusDisabled = "disabled"
)

// Tool is one tool name exposed by a registered server. Pricing holds the
// tool's offers in insertion order; a tool with no active pricing is free.
type Tool struct {
	ID          string
	ServerID    string
	Name        string
	InputSchema json.RawMessage
	Pricing     []PricingEntry
}

// PricingEntry is one priced offer for a tool. MaxAmountRequiredRaw is a
// decimal string in the asset's smallest units.
type PricingEntry struct {
	ID                   string
	ToolID               string
	AssetAddress         string
	Network              string
	MaxAmountRequiredRaw string
	TokenDecimals        int
	Active               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type User struct {
	ID                   string
	Email                string
	DisplayName          string
	PrimaryWalletAddress string
	LastLoginAt          time.Time
	CreatedAt            time.Time
}

// Wallet is a custodial or external wallet owned by a user. Managed wallets
// (Provider "coinbase-cdp", WalletType "managed" or "smart") are candidates
// for auto-signing.
type Wallet struct {
	ID         string
	UserID     string
	Address    string
	Blockchain string
	Provider   string
	WalletType string
	IsPrimary  bool
	Active     bool
	CreatedAt  time.Time
}

const (
	WalletProviderCDP = "coinbase-cdp"

	WalletTypeManaged  = "managed"
	WalletTypeSmart    = "smart"
	WalletTypeExternal = "external"
)

// APIKey stores only the SHA-256 hash of an issued key.
type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string
	Name       string
	Active     bool
	LastUsedAt time.Time
	CreatedAt  time.Time
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSettled PaymentStatus = "settled"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentRecord is the ledger row written the first time a valid X-PAYMENT
// header is seen. Signature is the raw header value and is unique; the
// settler re-decodes it when advancing the record past pending.
type PaymentRecord struct {
	ID              string
	ToolID          string
	UserID          string
	AmountRaw       string
	TokenDecimals   int
	AssetAddress    string
	Network         string
	Status          PaymentStatus
	Signature       string
	PayerAddress    string
	TransactionHash string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UsageEvent is written once per request that produced an upstream
// response. ToolID and UserID may be empty for free, anonymous traffic.
type UsageEvent struct {
	ID              string
	ToolID          string
	UserID          string
	ResponseStatus  int
	ExecutionTimeMs int64
	IPAddress       string
	UserAgent       string
	RequestSnapshot json.RawMessage
	ResultSnapshot  json.RawMessage
	CreatedAt       time.Time
}

// ToolCall is the request-scoped classification of a JSON-RPC tools/call
// invocation. Built by the inspector, read by the payment gate and the
// usage recorder.
type ToolCall struct {
	Name     string
	Args     json.RawMessage
	IsPaid   bool
	PayTo    string
	Pricing  *PricingEntry
	ServerID string
	ToolID   string
}

// Auth methods reported by the resolver.
const (
	AuthAPIKey       = "api_key"
	AuthSession      = "session"
	AuthWalletHeader = "wallet_header"
	AuthNone         = "none"
)

const (
	BlockchainEVM    = "evm"
	BlockchainSolana = "solana"
	BlockchainNEAR   = "near"
)

// InferBlockchain classifies a wallet address by shape: 42-char 0x-prefixed
// addresses are EVM, 44-char non-0x are Solana, 64-char hex or a .near
// suffix are NEAR. Unrecognized shapes return "".
func InferBlockchain(address string) string {
	address = strings.TrimSpace(address)
	switch {
	case len(address) == 42 && strings.HasPrefix(address, "0x"):
		return BlockchainEVM
	case len(address) == 44 && !strings.HasPrefix(address, "0x"):
		return BlockchainSolana
	case len(address) == 64 || strings.HasSuffix(address, ".near"):
		return BlockchainNEAR
	default:
		return ""
	}
}
