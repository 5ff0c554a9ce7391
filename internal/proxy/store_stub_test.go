package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
)

// memStore is an in-memory model.Store for pipeline tests.
type memStore struct {
	mu sync.Mutex

	servers  map[string]model.RegisteredServer // keyed by ServerID
	tools    map[string]model.Tool             // keyed by tool ID
	users    map[string]model.User             // keyed by user ID
	keyUsers map[string]string                 // key hash -> user ID
	wallets  map[string][]model.Wallet         // user ID -> wallets
	payments map[string]model.PaymentRecord    // keyed by payment ID
	usage    []model.UsageEvent

	nextID int
}

func newMemStore() *memStore {
	return &memStore{
		servers:  map[string]model.RegisteredServer{},
		tools:    map[string]model.Tool{},
		users:    map[string]model.User{},
		keyUsers: map[string]string{},
		wallets:  map[string][]model.Wallet{},
		payments: map[string]model.PaymentRecord{},
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) Init(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) CreateServer(ctx context.Context, server model.RegisteredServer) (model.RegisteredServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if server.ID == "" {
		server.ID = m.id("srv")
	}
	if server.Status == "" {
		server.Status = model.ServerStatusActive
	}
	m.servers[server.ServerID] = server
	return server, nil
}

func (m *memStore) GetServerByServerID(ctx context.Context, serverID string) (model.RegisteredServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.servers[serverID]
	if !ok {
		return model.RegisteredServer{}, model.ErrServerNotFound
	}
	return server, nil
}

func (m *memStore) ListServers(ctx context.Context) ([]model.RegisteredServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RegisteredServer, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) CreateTool(ctx context.Context, tool model.Tool) (model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tool.ID == "" {
		tool.ID = m.id("tool")
	}
	m.tools[tool.ID] = tool
	return tool, nil
}

func (m *memStore) GetToolByName(ctx context.Context, serverID, name string) (model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tool := range m.tools {
		if tool.ServerID == serverID && tool.Name == name {
			return tool, nil
		}
	}
	return model.Tool{}, model.ErrToolNotFound
}

func (m *memStore) GetToolByID(ctx context.Context, id string) (model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tool, ok := m.tools[id]
	if !ok {
		return model.Tool{}, model.ErrToolNotFound
	}
	return tool, nil
}

func (m *memStore) ListToolsByServer(ctx context.Context, serverID string) ([]model.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Tool
	for _, tool := range m.tools {
		if tool.ServerID == serverID {
			out = append(out, tool)
		}
	}
	return out, nil
}

func (m *memStore) CreatePricing(ctx context.Context, entry model.PricingEntry) (model.PricingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = m.id("price")
	}
	tool, ok := m.tools[entry.ToolID]
	if !ok {
		return model.PricingEntry{}, model.ErrToolNotFound
	}
	tool.Pricing = append(tool.Pricing, entry)
	m.tools[entry.ToolID] = tool
	return entry, nil
}

func (m *memStore) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = m.id("user")
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByID(ctx context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) GetUserByWalletAddress(ctx context.Context, address string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, wallets := range m.wallets {
		for _, w := range wallets {
			if w.Address == address {
				return m.users[userID], nil
			}
		}
	}
	for _, user := range m.users {
		if user.PrimaryWalletAddress == address {
			return user, nil
		}
	}
	return model.User{}, model.ErrUserNotFound
}

func (m *memStore) CreateUserWithWallet(ctx context.Context, address, blockchain string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := model.User{ID: m.id("user"), PrimaryWalletAddress: address}
	m.users[user.ID] = user
	m.wallets[user.ID] = append(m.wallets[user.ID], model.Wallet{
		ID: m.id("wallet"), UserID: user.ID, Address: address,
		Blockchain: blockchain, WalletType: model.WalletTypeExternal,
		IsPrimary: true, Active: true,
	})
	return user, nil
}

func (m *memStore) GetUserByAPIKeyHash(ctx context.Context, keyHash string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.keyUsers[keyHash]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return m.users[userID], nil
}

func (m *memStore) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == "" {
		key.ID = m.id("key")
	}
	m.keyUsers[key.KeyHash] = key.UserID
	return key, nil
}

func (m *memStore) GetUserWallets(ctx context.Context, userID string, activeOnly bool) ([]model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Wallet
	for _, w := range m.wallets[userID] {
		if activeOnly && !w.Active {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *memStore) CreateWallet(ctx context.Context, wallet model.Wallet) (model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wallet.ID == "" {
		wallet.ID = m.id("wallet")
	}
	m.wallets[wallet.UserID] = append(m.wallets[wallet.UserID], wallet)
	return wallet, nil
}

func (m *memStore) StampUserLogin(ctx context.Context, userID string, at time.Time) error {
	return nil
}

func (m *memStore) StampAPIKeyUsed(ctx context.Context, keyHash string, at time.Time) error {
	return nil
}

func (m *memStore) CreatePayment(ctx context.Context, record model.PaymentRecord) (model.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.Signature == record.Signature {
			return existing, model.ErrDuplicatePayment
		}
	}
	if record.ID == "" {
		record.ID = m.id("pay")
	}
	if record.Status == "" {
		record.Status = model.PaymentPending
	}
	m.payments[record.ID] = record
	return record, nil
}

func (m *memStore) GetPaymentBySignature(ctx context.Context, signature string) (model.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.payments {
		if record.Signature == signature {
			return record, nil
		}
	}
	return model.PaymentRecord{}, model.ErrUserNotFound
}

func (m *memStore) ListPendingPayments(ctx context.Context, limit int) ([]model.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PaymentRecord
	for _, record := range m.payments {
		if record.Status == model.PaymentPending {
			out = append(out, record)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) MarkPaymentSettled(ctx context.Context, id, transactionHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.payments[id]
	if !ok {
		return fmt.Errorf("payment %s not found", id)
	}
	record.Status = model.PaymentSettled
	record.TransactionHash = transactionHash
	record.UpdatedAt = at
	m.payments[id] = record
	return nil
}

func (m *memStore) MarkPaymentFailed(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.payments[id]
	if !ok {
		return fmt.Errorf("payment %s not found", id)
	}
	record.Status = model.PaymentFailed
	record.FailureReason = reason
	record.UpdatedAt = at
	m.payments[id] = record
	return nil
}

func (m *memStore) RecordToolUsage(ctx context.Context, event model.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, event)
	return nil
}

func (m *memStore) paymentsSnapshot() []model.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PaymentRecord, 0, len(m.payments))
	for _, record := range m.payments {
		out = append(out, record)
	}
	return out
}

func (m *memStore) usageSnapshot() []model.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.UsageEvent(nil), m.usage...)
}
