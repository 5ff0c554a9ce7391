package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// ModeTest gates the test-key strategy; in any other mode it never signs.
const ModeTest = "test"

// TestKeyStrategy signs with a throwaway process-local key. It refuses
// mainnets outright, so a leaked test key cannot move real funds.
type TestKeyStrategy struct {
	mode    string
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewTestKeyStrategy(mode, hexKey string) (*TestKeyStrategy, error) {
	s := &TestKeyStrategy{mode: strings.TrimSpace(strings.ToLower(mode))}
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return s, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse test key: %w", err)
	}
	s.key = key
	s.address = crypto.PubkeyToAddress(key.PublicKey)
	return s, nil
}

func (s *TestKeyStrategy) Name() string  { return "test-key" }
func (s *TestKeyStrategy) Priority() int { return 1000 }

func (s *TestKeyStrategy) CanSign(ctx context.Context, req Request) bool {
	if s.mode != ModeTest || s.key == nil {
		return false
	}
	if !x402.IsTestnet(req.Requirement.Network) {
		return false
	}
	_, ok := x402.ChainID(req.Requirement.Network)
	return ok
}

func (s *TestKeyStrategy) SignPayment(ctx context.Context, req Request) (Payment, error) {
	chainID, ok := x402.ChainID(req.Requirement.Network)
	if !ok {
		return Payment{}, fmt.Errorf("unsupported network %q", req.Requirement.Network)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(req.AmountRaw), 10)
	if !ok || value.Sign() < 0 {
		return Payment{}, fmt.Errorf("invalid raw amount %q", req.AmountRaw)
	}

	timeout := time.Duration(req.Requirement.MaxTimeoutSeconds) * time.Second
	auth, err := NewAuthorization(s.address, common.HexToAddress(req.Requirement.PayTo), value, timeout)
	if err != nil {
		return Payment{}, err
	}

	name, version := x402.TokenDomain(req.Requirement.Network, req.Requirement.Asset)
	signature, err := SignAuthorization(
		s.key,
		common.HexToAddress(req.Requirement.Asset),
		big.NewInt(chainID),
		name,
		version,
		auth,
	)
	if err != nil {
		return Payment{}, err
	}

	header, err := x402.EncodePaymentHeader(x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Requirement.Scheme,
		Network:     req.Requirement.Network,
		Payload: x402.ExactEVMPayload{
			Signature:     signature,
			Authorization: auth.Wire(),
		},
	})
	if err != nil {
		return Payment{}, err
	}
	return Payment{Header: header, WalletAddress: s.address.Hex()}, nil
}
