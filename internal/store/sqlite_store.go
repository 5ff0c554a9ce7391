package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
)

type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS servers (
  id TEXT PRIMARY KEY,
  server_id TEXT NOT NULL UNIQUE,
  origin_url TEXT NOT NULL,
  receiver_address TEXT NOT NULL DEFAULT '',
  auth_headers TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL DEFAULT 'active',
  created_at INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tools (
  id TEXT PRIMARY KEY,
  server_id TEXT NOT NULL,
  name TEXT NOT NULL,
  input_schema TEXT NOT NULL DEFAULT '',
  UNIQUE(server_id, name)
);

CREATE TABLE IF NOT EXISTS pricing (
  id TEXT PRIMARY KEY,
  tool_id TEXT NOT NULL,
  asset_address TEXT NOT NULL DEFAULT '',
  network TEXT NOT NULL DEFAULT '',
  max_amount_required_raw TEXT NOT NULL DEFAULT '0',
  token_decimals INTEGER NOT NULL DEFAULT 6,
  active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  primary_wallet_address TEXT NOT NULL DEFAULT '',
  last_login_at INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS wallets (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  address TEXT NOT NULL,
  blockchain TEXT NOT NULL DEFAULT '',
  provider TEXT NOT NULL DEFAULT '',
  wallet_type TEXT NOT NULL DEFAULT 'external',
  is_primary INTEGER NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  key_hash TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  active INTEGER NOT NULL DEFAULT 1,
  last_used_at INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  tool_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  amount_raw TEXT NOT NULL DEFAULT '0',
  token_decimals INTEGER NOT NULL DEFAULT 6,
  asset_address TEXT NOT NULL DEFAULT '',
  network TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  signature TEXT NOT NULL UNIQUE,
  payer_address TEXT NOT NULL DEFAULT '',
  transaction_hash TEXT NOT NULL DEFAULT '',
  failure_reason TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_events (
  id TEXT PRIMARY KEY,
  tool_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  response_status INTEGER NOT NULL DEFAULT 0,
  execution_time_ms INTEGER NOT NULL DEFAULT 0,
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  request_snapshot TEXT NOT NULL DEFAULT '',
  result_snapshot TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL DEFAULT 0
);

-- indexes for the hot paths: tool resolution during request inspection,
-- wallet and key lookups during auth, and the settler's pending scan.
CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server_id, name);
CREATE INDEX IF NOT EXISTS idx_pricing_tool ON pricing(tool_id, active);
CREATE INDEX IF NOT EXISTS idx_wallets_user ON wallets(user_id, active);
CREATE INDEX IF NOT EXISTS idx_wallets_address ON wallets(address);
CREATE INDEX IF NOT EXISTS idx_users_primary_wallet ON users(primary_wallet_address);
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_events_tool ON usage_events(tool_id, created_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) ensureDB(ctx context.Context) (*sql.DB, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("sqlite db not initialized")
	}
	return s.db, nil
}

// CreateServer registers or re-registers an upstream. Re-registering the
// same server_id updates the origin and auth material in place.
func (s *SQLiteStore) CreateServer(ctx context.Context, server model.RegisteredServer) (model.RegisteredServer, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.RegisteredServer{}, err
	}

	now := time.Now().UTC()
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	server.Status = defaultIfEmpty(server.Status, model.ServerStatusActive)

	headers, err := marshalHeaders(server.AuthHeaders)
	if err != nil {
		return model.RegisteredServer{}, err
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO servers(id, server_id, origin_url, receiver_address, auth_headers, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(server_id) DO UPDATE SET
		   origin_url=excluded.origin_url,
		   receiver_address=excluded.receiver_address,
		   auth_headers=excluded.auth_headers,
		   status=excluded.status,
		   updated_at=excluded.updated_at`,
		server.ID,
		server.ServerID,
		server.OriginURL,
		server.ReceiverAddress,
		headers,
		server.Status,
		server.CreatedAt.Unix(),
		server.UpdatedAt.Unix(),
	)
	if err != nil {
		return model.RegisteredServer{}, err
	}
	return s.GetServerByServerID(ctx, server.ServerID)
}

func (s *SQLiteStore) GetServerByServerID(ctx context.Context, serverID string) (model.RegisteredServer, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.RegisteredServer{}, err
	}

	row := db.QueryRowContext(
		ctx,
		`SELECT id, server_id, origin_url, receiver_address, auth_headers, status, created_at, updated_at
		 FROM servers WHERE server_id = ?`,
		serverID,
	)
	server, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RegisteredServer{}, model.ErrServerNotFound
	}
	return server, err
}

func (s *SQLiteStore) ListServers(ctx context.Context) ([]model.RegisteredServer, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(
		ctx,
		`SELECT id, server_id, origin_url, receiver_address, auth_headers, status, created_at, updated_at
		 FROM servers ORDER BY server_id`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []model.RegisteredServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// CreateTool upserts one tool name under a server and returns the stored
// row, so repeated registration keeps the original tool ID.
func (s *SQLiteStore) CreateTool(ctx context.Context, tool model.Tool) (model.Tool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Tool{}, err
	}
	if strings.TrimSpace(tool.Name) == "" {
		return model.Tool{}, errors.New("tool name is required")
	}
	if tool.ID == "" {
		tool.ID = uuid.NewString()
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO tools(id, server_id, name, input_schema)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(server_id, name) DO UPDATE SET
		   input_schema=excluded.input_schema`,
		tool.ID,
		tool.ServerID,
		tool.Name,
		string(tool.InputSchema),
	)
	if err != nil {
		return model.Tool{}, err
	}
	return s.GetToolByName(ctx, tool.ServerID, tool.Name)
}

func (s *SQLiteStore) GetToolByName(ctx context.Context, serverID, name string) (model.Tool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Tool{}, err
	}

	var tool model.Tool
	var schema string
	row := db.QueryRowContext(
		ctx,
		`SELECT id, server_id, name, input_schema FROM tools WHERE server_id = ? AND name = ?`,
		serverID, name,
	)
	if err := row.Scan(&tool.ID, &tool.ServerID, &tool.Name, &schema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tool{}, model.ErrToolNotFound
		}
		return model.Tool{}, err
	}
	if schema != "" {
		tool.InputSchema = json.RawMessage(schema)
	}

	tool.Pricing, err = s.listPricing(ctx, db, tool.ID)
	return tool, err
}

func (s *SQLiteStore) GetToolByID(ctx context.Context, id string) (model.Tool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Tool{}, err
	}

	var tool model.Tool
	var schema string
	row := db.QueryRowContext(
		ctx,
		`SELECT id, server_id, name, input_schema FROM tools WHERE id = ?`,
		id,
	)
	if err := row.Scan(&tool.ID, &tool.ServerID, &tool.Name, &schema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tool{}, model.ErrToolNotFound
		}
		return model.Tool{}, err
	}
	if schema != "" {
		tool.InputSchema = json.RawMessage(schema)
	}

	tool.Pricing, err = s.listPricing(ctx, db, tool.ID)
	return tool, err
}

func (s *SQLiteStore) ListToolsByServer(ctx context.Context, serverID string) ([]model.Tool, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(
		ctx,
		`SELECT id, server_id, name, input_schema FROM tools WHERE server_id = ? ORDER BY name`,
		serverID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tools []model.Tool
	for rows.Next() {
		var tool model.Tool
		var schema string
		if err := rows.Scan(&tool.ID, &tool.ServerID, &tool.Name, &schema); err != nil {
			return nil, err
		}
		if schema != "" {
			tool.InputSchema = json.RawMessage(schema)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tools {
		tools[i].Pricing, err = s.listPricing(ctx, db, tools[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return tools, nil
}

func (s *SQLiteStore) CreatePricing(ctx context.Context, pricing model.PricingEntry) (model.PricingEntry, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.PricingEntry{}, err
	}

	now := time.Now().UTC()
	if pricing.ID == "" {
		pricing.ID = uuid.NewString()
	}
	if pricing.CreatedAt.IsZero() {
		pricing.CreatedAt = now
	}
	pricing.UpdatedAt = now

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO pricing(id, tool_id, asset_address, network, max_amount_required_raw, token_decimals, active, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pricing.ID,
		pricing.ToolID,
		pricing.AssetAddress,
		pricing.Network,
		pricing.MaxAmountRequiredRaw,
		pricing.TokenDecimals,
		boolToInt(pricing.Active),
		pricing.CreatedAt.Unix(),
		pricing.UpdatedAt.Unix(),
	)
	if err != nil {
		return model.PricingEntry{}, err
	}
	return pricing, nil
}

// listPricing returns a tool's offers in insertion order. Offer order is
// load-bearing: pricing selection falls back to the first offer when no
// network preference applies.
func (s *SQLiteStore) listPricing(ctx context.Context, db *sql.DB, toolID string) ([]model.PricingEntry, error) {
	rows, err := db.QueryContext(
		ctx,
		`SELECT id, tool_id, asset_address, network, max_amount_required_raw, token_decimals, active, created_at, updated_at
		 FROM pricing WHERE tool_id = ? ORDER BY rowid`,
		toolID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []model.PricingEntry
	for rows.Next() {
		var entry model.PricingEntry
		var active int
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&entry.ID,
			&entry.ToolID,
			&entry.AssetAddress,
			&entry.Network,
			&entry.MaxAmountRequiredRaw,
			&entry.TokenDecimals,
			&active,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		entry.Active = active == 1
		entry.CreatedAt = unixToTime(createdAt)
		entry.UpdatedAt = unixToTime(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user model.User) (model.User, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.User{}, err
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO users(id, email, display_name, primary_wallet_address, last_login_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.DisplayName,
		user.PrimaryWalletAddress,
		timeToUnix(user.LastLoginAt),
		user.CreatedAt.Unix(),
	)
	if err != nil {
		return model.User{}, err
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (model.User, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.User{}, err
	}
	row := db.QueryRowContext(
		ctx,
		`SELECT id, email, display_name, primary_wallet_address, last_login_at, created_at
		 FROM users WHERE id = ?`,
		id,
	)
	return scanUser(row)
}

// GetUserByWalletAddress resolves a user through either their primary
// wallet column or any wallet row carrying the address.
func (s *SQLiteStore) GetUserByWalletAddress(ctx context.Context, address string) (model.User, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.User{}, err
	}
	row := db.QueryRowContext(
		ctx,
		`SELECT u.id, u.email, u.display_name, u.primary_wallet_address, u.last_login_at, u.created_at
		 FROM users u
		 LEFT JOIN wallets w ON w.user_id = u.id
		 WHERE u.primary_wallet_address = ? OR w.address = ?
		 LIMIT 1`,
		address, address,
	)
	return scanUser(row)
}

// CreateUserWithWallet mints a user for a bare wallet address. The wallet
// row is marked external and primary.
func (s *SQLiteStore) CreateUserWithWallet(ctx context.Context, address, blockchain string) (model.User, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.User{}, err
	}

	now := time.Now().UTC()
	user := model.User{
		ID:                   uuid.NewString(),
		PrimaryWalletAddress: address,
		CreatedAt:            now,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO users(id, email, display_name, primary_wallet_address, last_login_at, created_at)
		 VALUES(?, '', '', ?, 0, ?)`,
		user.ID, address, now.Unix(),
	); err != nil {
		return model.User{}, err
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO wallets(id, user_id, address, blockchain, provider, wallet_type, is_primary, active, created_at)
		 VALUES(?, ?, ?, ?, '', ?, 1, 1, ?)`,
		uuid.NewString(), user.ID, address, blockchain, model.WalletTypeExternal, now.Unix(),
	); err != nil {
		return model.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.User{}, err
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByAPIKeyHash(ctx context.Context, keyHash string) (model.User, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.User{}, err
	}
	row := db.QueryRowContext(
		ctx,
		`SELECT u.id, u.email, u.display_name, u.primary_wallet_address, u.last_login_at, u.created_at
		 FROM users u
		 JOIN api_keys k ON k.user_id = u.id
		 WHERE k.key_hash = ? AND k.active = 1`,
		keyHash,
	)
	return scanUser(row)
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.APIKey{}, err
	}

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO api_keys(id, user_id, key_hash, name, active, last_used_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.UserID,
		key.KeyHash,
		key.Name,
		boolToInt(key.Active),
		timeToUnix(key.LastUsedAt),
		key.CreatedAt.Unix(),
	)
	if err != nil {
		return model.APIKey{}, err
	}
	return key, nil
}

func (s *SQLiteStore) GetUserWallets(ctx context.Context, userID string, activeOnly bool) ([]model.Wallet, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, user_id, address, blockchain, provider, wallet_type, is_primary, active, created_at
	          FROM wallets WHERE user_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY is_primary DESC, rowid`

	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var wallets []model.Wallet
	for rows.Next() {
		var w model.Wallet
		var isPrimary, active int
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.UserID, &w.Address, &w.Blockchain, &w.Provider, &w.WalletType, &isPrimary, &active, &createdAt); err != nil {
			return nil, err
		}
		w.IsPrimary = isPrimary == 1
		w.Active = active == 1
		w.CreatedAt = unixToTime(createdAt)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *SQLiteStore) CreateWallet(ctx context.Context, wallet model.Wallet) (model.Wallet, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.Wallet{}, err
	}

	if wallet.ID == "" {
		wallet.ID = uuid.NewString()
	}
	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now().UTC()
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO wallets(id, user_id, address, blockchain, provider, wallet_type, is_primary, active, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wallet.ID,
		wallet.UserID,
		wallet.Address,
		wallet.Blockchain,
		wallet.Provider,
		defaultIfEmpty(wallet.WalletType, model.WalletTypeExternal),
		boolToInt(wallet.IsPrimary),
		boolToInt(wallet.Active),
		wallet.CreatedAt.Unix(),
	)
	if err != nil {
		return model.Wallet{}, err
	}
	return wallet, nil
}

func (s *SQLiteStore) StampUserLogin(ctx context.Context, userID string, at time.Time) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, at.Unix(), userID)
	return err
}

func (s *SQLiteStore) StampAPIKeyUsed(ctx context.Context, keyHash string, at time.Time) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE key_hash = ?`, at.Unix(), keyHash)
	return err
}

// CreatePayment records one payment header. The signature column is
// unique; replaying the same header returns the stored row together with
// ErrDuplicatePayment so callers can treat the replay as already done.
func (s *SQLiteStore) CreatePayment(ctx context.Context, record model.PaymentRecord) (model.PaymentRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.PaymentRecord{}, err
	}
	if strings.TrimSpace(record.Signature) == "" {
		return model.PaymentRecord{}, errors.New("payment signature is required")
	}

	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = model.PaymentPending
	}

	res, err := db.ExecContext(
		ctx,
		`INSERT INTO payments(id, tool_id, user_id, amount_raw, token_decimals, asset_address, network, status, signature, payer_address, transaction_hash, failure_reason, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(signature) DO NOTHING`,
		record.ID,
		record.ToolID,
		record.UserID,
		record.AmountRaw,
		record.TokenDecimals,
		record.AssetAddress,
		record.Network,
		string(record.Status),
		record.Signature,
		record.PayerAddress,
		record.TransactionHash,
		record.FailureReason,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
	)
	if err != nil {
		return model.PaymentRecord{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.PaymentRecord{}, err
	}
	if affected == 0 {
		existing, err := s.GetPaymentBySignature(ctx, record.Signature)
		if err != nil {
			return model.PaymentRecord{}, err
		}
		return existing, model.ErrDuplicatePayment
	}
	return record, nil
}

func (s *SQLiteStore) GetPaymentBySignature(ctx context.Context, signature string) (model.PaymentRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return model.PaymentRecord{}, err
	}
	row := db.QueryRowContext(
		ctx,
		`SELECT id, tool_id, user_id, amount_raw, token_decimals, asset_address, network, status, signature, payer_address, transaction_hash, failure_reason, created_at, updated_at
		 FROM payments WHERE signature = ?`,
		signature,
	)
	return scanPayment(row)
}

func (s *SQLiteStore) ListPendingPayments(ctx context.Context, limit int) ([]model.PaymentRecord, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.QueryContext(
		ctx,
		`SELECT id, tool_id, user_id, amount_raw, token_decimals, asset_address, network, status, signature, payer_address, transaction_hash, failure_reason, created_at, updated_at
		 FROM payments WHERE status = ? ORDER BY rowid LIMIT ?`,
		string(model.PaymentPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []model.PaymentRecord
	for rows.Next() {
		record, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) MarkPaymentSettled(ctx context.Context, id, transactionHash string, at time.Time) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`UPDATE payments SET status = ?, transaction_hash = ?, failure_reason = '', updated_at = ? WHERE id = ?`,
		string(model.PaymentSettled), transactionHash, at.Unix(), id,
	)
	return err
}

func (s *SQLiteStore) MarkPaymentFailed(ctx context.Context, id, reason string, at time.Time) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`UPDATE payments SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		string(model.PaymentFailed), reason, at.Unix(), id,
	)
	return err
}

func (s *SQLiteStore) RecordToolUsage(ctx context.Context, event model.UsageEvent) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err = db.ExecContext(
		ctx,
		`INSERT INTO usage_events(id, tool_id, user_id, response_status, execution_time_ms, ip_address, user_agent, request_snapshot, result_snapshot, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.ToolID,
		event.UserID,
		event.ResponseStatus,
		event.ExecutionTimeMs,
		event.IPAddress,
		event.UserAgent,
		string(event.RequestSnapshot),
		string(event.ResultSnapshot),
		event.CreatedAt.Unix(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (model.RegisteredServer, error) {
	var server model.RegisteredServer
	var headers string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&server.ID,
		&server.ServerID,
		&server.OriginURL,
		&server.ReceiverAddress,
		&headers,
		&server.Status,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.RegisteredServer{}, err
	}
	server.CreatedAt = unixToTime(createdAt)
	server.UpdatedAt = unixToTime(updatedAt)
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &server.AuthHeaders); err != nil {
			return model.RegisteredServer{}, err
		}
	}
	return server, nil
}

func scanUser(row rowScanner) (model.User, error) {
	var user model.User
	var lastLogin, createdAt int64
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.PrimaryWalletAddress,
		&lastLogin,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, model.ErrUserNotFound
		}
		return model.User{}, err
	}
	user.LastLoginAt = unixToTime(lastLogin)
	user.CreatedAt = unixToTime(createdAt)
	return user, nil
}

func scanPayment(row rowScanner) (model.PaymentRecord, error) {
	var record model.PaymentRecord
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&record.ID,
		&record.ToolID,
		&record.UserID,
		&record.AmountRaw,
		&record.TokenDecimals,
		&record.AssetAddress,
		&record.Network,
		&status,
		&record.Signature,
		&record.PayerAddress,
		&record.TransactionHash,
		&record.FailureReason,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.PaymentRecord{}, err
	}
	record.Status = model.PaymentStatus(status)
	record.CreatedAt = unixToTime(createdAt)
	record.UpdatedAt = unixToTime(updatedAt)
	return record, nil
}

func marshalHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func defaultIfEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
