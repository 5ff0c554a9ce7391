package model

import (
	"context"
	"time"
)

// Store is the catalog and ledger repository consumed by the proxy. The
// pipeline treats it as an external collaborator; SQLite is the shipped
// implementation.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// Catalog.
	CreateServer(ctx context.Context, server RegisteredServer) (RegisteredServer, error)
	GetServerByServerID(ctx context.Context, serverID string) (RegisteredServer, error)
	ListServers(ctx context.Context) ([]RegisteredServer, error)
	CreateTool(ctx context.Context, tool Tool) (Tool, error)
	GetToolByName(ctx context.Context, serverID, name string) (Tool, error)
	GetToolByID(ctx context.Context, id string) (Tool, error)
	ListToolsByServer(ctx context.Context, serverID string) ([]Tool, error)
	CreatePricing(ctx context.Context, pricing PricingEntry) (PricingEntry, error)

	// Identity.
	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByWalletAddress(ctx context.Context, address string) (User, error)
	CreateUserWithWallet(ctx context.Context, address, blockchain string) (User, error)
	GetUserByAPIKeyHash(ctx context.Context, keyHash string) (User, error)
	CreateAPIKey(ctx context.Context, key APIKey) (APIKey, error)
	GetUserWallets(ctx context.Context, userID string, activeOnly bool) ([]Wallet, error)
	CreateWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	StampUserLogin(ctx context.Context, userID string, at time.Time) error
	StampAPIKeyUsed(ctx context.Context, keyHash string, at time.Time) error

	// Ledger.
	CreatePayment(ctx context.Context, record PaymentRecord) (PaymentRecord, error)
	GetPaymentBySignature(ctx context.Context, signature string) (PaymentRecord, error)
	ListPendingPayments(ctx context.Context, limit int) ([]PaymentRecord, error)
	MarkPaymentSettled(ctx context.Context, id, transactionHash string, at time.Time) error
	MarkPaymentFailed(ctx context.Context, id, reason string, at time.Time) error

	// Usage.
	RecordToolUsage(ctx context.Context, event UsageEvent) error
}
