package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// WalletDirectory is the slice of the store the managed strategy needs.
type WalletDirectory interface {
	GetUserWallets(ctx context.Context, userID string, activeOnly bool) ([]model.Wallet, error)
}

// TransferInput describes one authorization for an account backend to
// sign. Numeric fields are decimal strings straight off the wire form.
type TransferInput struct {
	To           string
	ValueRaw     string
	ValidAfter   string
	ValidBefore  string
	Nonce        string
	ChainID      int64
	TokenAddress string
	TokenName    string
	TokenVersion string
}

// AccountSigner signs transfer authorizations on behalf of a custodial
// account it controls. Implementations hold keys; the strategy never does.
type AccountSigner interface {
	SignTransferWithAuthorization(ctx context.Context, account string, input TransferInput) (string, error)
}

// ManagedWalletStrategy signs for users whose custodial wallets this
// deployment operates. Smart wallets win over plain managed ones.
type ManagedWalletStrategy struct {
	wallets  WalletDirectory
	accounts AccountSigner
}

func NewManagedWalletStrategy(wallets WalletDirectory, accounts AccountSigner) *ManagedWalletStrategy {
	return &ManagedWalletStrategy{wallets: wallets, accounts: accounts}
}

func (s *ManagedWalletStrategy) Name() string  { return "managed-wallet" }
func (s *ManagedWalletStrategy) Priority() int { return 500 }

func (s *ManagedWalletStrategy) CanSign(ctx context.Context, req Request) bool {
	if req.UserID == "" || s.accounts == nil {
		return false
	}
	if _, ok := x402.ChainID(req.Requirement.Network); !ok {
		return false
	}
	wallet, err := s.pickWallet(ctx, req.UserID)
	return err == nil && wallet.Address != ""
}

func (s *ManagedWalletStrategy) SignPayment(ctx context.Context, req Request) (Payment, error) {
	wallet, err := s.pickWallet(ctx, req.UserID)
	if err != nil {
		return Payment{}, err
	}
	if wallet.Address == "" {
		return Payment{}, errors.New("no managed wallet for user")
	}

	chainID, ok := x402.ChainID(req.Requirement.Network)
	if !ok {
		return Payment{}, fmt.Errorf("unsupported network %q", req.Requirement.Network)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(req.AmountRaw), 10)
	if !ok || value.Sign() < 0 {
		return Payment{}, fmt.Errorf("invalid raw amount %q", req.AmountRaw)
	}

	timeout := time.Duration(req.Requirement.MaxTimeoutSeconds) * time.Second
	auth, err := NewAuthorization(
		common.HexToAddress(wallet.Address),
		common.HexToAddress(req.Requirement.PayTo),
		value,
		timeout,
	)
	if err != nil {
		return Payment{}, err
	}
	wire := auth.Wire()

	name, version := x402.TokenDomain(req.Requirement.Network, req.Requirement.Asset)
	signature, err := s.accounts.SignTransferWithAuthorization(ctx, wallet.Address, TransferInput{
		To:           wire.To,
		ValueRaw:     wire.Value,
		ValidAfter:   wire.ValidAfter,
		ValidBefore:  wire.ValidBefore,
		Nonce:        wire.Nonce,
		ChainID:      chainID,
		TokenAddress: req.Requirement.Asset,
		TokenName:    name,
		TokenVersion: version,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("account signing: %w", err)
	}

	header, err := x402.EncodePaymentHeader(x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Requirement.Scheme,
		Network:     req.Requirement.Network,
		Payload: x402.ExactEVMPayload{
			Signature:     signature,
			Authorization: wire,
		},
	})
	if err != nil {
		return Payment{}, err
	}
	return Payment{Header: header, WalletAddress: wallet.Address}, nil
}

// pickWallet returns the user's best custodial wallet: smart accounts
// first, then managed, primary breaking ties within each tier.
func (s *ManagedWalletStrategy) pickWallet(ctx context.Context, userID string) (model.Wallet, error) {
	wallets, err := s.wallets.GetUserWallets(ctx, userID, true)
	if err != nil {
		return model.Wallet{}, err
	}

	var managed model.Wallet
	for _, w := range wallets {
		if w.Provider != model.WalletProviderCDP {
			continue
		}
		switch w.WalletType {
		case model.WalletTypeSmart:
			return w, nil
		case model.WalletTypeManaged:
			if managed.Address == "" {
				managed = w
			}
		}
	}
	return managed, nil
}

// StaticKeySigner is an AccountSigner backed by one local private key. It
// serves deployments that custody a single operator wallet and the test
// environment; a remote wallet service slots in behind the same interface.
type StaticKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewStaticKeySigner(hexKey string) (*StaticKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &StaticKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *StaticKeySigner) Address() string { return s.address.Hex() }

func (s *StaticKeySigner) SignTransferWithAuthorization(ctx context.Context, account string, input TransferInput) (string, error) {
	if !strings.EqualFold(account, s.address.Hex()) {
		return "", fmt.Errorf("account %s is not held by this signer", account)
	}

	value, ok := new(big.Int).SetString(input.ValueRaw, 10)
	if !ok {
		return "", fmt.Errorf("invalid value %q", input.ValueRaw)
	}
	validAfter, ok := new(big.Int).SetString(input.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("invalid validAfter %q", input.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(input.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("invalid validBefore %q", input.ValidBefore)
	}

	auth := Authorization{
		From:        s.address,
		To:          common.HexToAddress(input.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       common.HexToHash(input.Nonce),
	}
	return SignAuthorization(
		s.key,
		common.HexToAddress(input.TokenAddress),
		big.NewInt(input.ChainID),
		input.TokenName,
		input.TokenVersion,
		auth,
	)
}
