package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/signer"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// Wallet hint headers clients send to request auto-signing against a
// custodial wallet.
const (
	headerWalletProvider = "X-Wallet-Provider"
	headerWalletType     = "X-Wallet-Type"
)

// paymentGate clears free calls through untouched and holds paid calls
// until a payment header has been verified by the facilitator. The header
// may come from the client or be minted by the signer registry.
func (p *Pipeline) paymentGate(ctx context.Context, rc *RequestContext) error {
	call := rc.ToolCall
	if call == nil || !call.IsPaid {
		return nil
	}

	if call.Pricing == nil || call.PayTo == "" {
		rc.Terminal = jsonTerminal(http.StatusPaymentRequired,
			x402.NewPaymentRequired("No payment information available", nil))
		return nil
	}

	requirement, err := p.buildRequirement(call)
	if err != nil {
		p.logger.Error("invalid pricing configuration",
			zap.String("tool", call.Name),
			zap.String("server_id", call.ServerID),
			zap.Error(err))
		rc.Terminal = jsonTerminal(http.StatusPaymentRequired,
			x402.NewPaymentRequired("No payment information available", nil))
		return nil
	}

	header := rc.PaymentHeader
	if header == "" && p.autoSignEligible(rc) {
		signed, err := p.autoSign(ctx, rc, requirement)
		if err != nil {
			return err
		}
		header = signed
	}

	if header == "" {
		rc.Terminal = jsonTerminal(http.StatusPaymentRequired,
			x402.NewPaymentRequired("X-PAYMENT header is required", []x402.PaymentRequirement{requirement}))
		return nil
	}

	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		rc.Terminal = jsonTerminal(http.StatusPaymentRequired,
			x402.NewPaymentRequired("invalid X-PAYMENT header: "+err.Error(),
				[]x402.PaymentRequirement{requirement}))
		return nil
	}

	facilitator := p.facilitators.ForNetwork(requirement.Network)
	verify, err := facilitator.Verify(ctx, payload, requirement)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.auditPayment("payment_failed", call, map[string]any{
			"stage": "verify",
			"error": err.Error(),
		})
		rc.Terminal = jsonTerminal(http.StatusPaymentRequired,
			x402.NewPaymentRequired(err.Error(), []x402.PaymentRequirement{requirement}))
		return nil
	}
	if !verify.IsValid {
		reason := verify.InvalidReason
		if reason == "" {
			reason = "payment verification failed"
		}
		p.auditPayment("payment_failed", call, map[string]any{
			"stage":  "verify",
			"reason": reason,
			"payer":  verify.Payer,
		})
		body := x402.NewPaymentRequired(reason, []x402.PaymentRequirement{requirement})
		body.Payer = verify.Payer
		rc.Terminal = jsonTerminal(http.StatusPaymentRequired, body)
		return nil
	}

	if verify.Payer != "" {
		rc.PayerAddress = verify.Payer
	} else if rc.PayerAddress == "" {
		rc.PayerAddress = payload.Payload.Authorization.From
	}
	rc.OutboundHeader.Set(x402.HeaderPayment, header)

	p.persistPending(ctx, rc, call, header)
	p.auditPayment("payment_verified", call, map[string]any{
		"payer":       rc.PayerAddress,
		"network":     requirement.Network,
		"amount_raw":  call.Pricing.MaxAmountRequiredRaw,
		"auto_signed": rc.AutoSigned,
	})
	return nil
}

// autoSignEligible gates who the proxy will spend on: API-key users with a
// resolved account, or clients that explicitly tagged the request for a
// managed CDP wallet.
func (p *Pipeline) autoSignEligible(rc *RequestContext) bool {
	if p.signers == nil || !p.signers.Enabled() {
		return false
	}
	if rc.AuthMethod == model.AuthAPIKey && rc.User != nil {
		return true
	}
	provider := strings.TrimSpace(rc.Request.Header.Get(headerWalletProvider))
	walletType := strings.TrimSpace(rc.Request.Header.Get(headerWalletType))
	return strings.EqualFold(provider, model.WalletProviderCDP) &&
		strings.EqualFold(walletType, model.WalletTypeManaged)
}

func (p *Pipeline) autoSign(ctx context.Context, rc *RequestContext, requirement x402.PaymentRequirement) (string, error) {
	req := signer.Request{
		Requirement:   requirement,
		AmountRaw:     rc.ToolCall.Pricing.MaxAmountRequiredRaw,
		TokenDecimals: rc.ToolCall.Pricing.TokenDecimals,
	}
	if rc.User != nil {
		req.UserID = rc.User.ID
	}

	result := p.signers.Sign(ctx, req)
	if result.OK {
		rc.AutoSigned = true
		rc.PayerAddress = result.WalletAddress
		p.logger.Debug("payment auto-signed",
			zap.String("strategy", result.Strategy),
			zap.String("tool", rc.ToolCall.Name),
			zap.String("wallet", result.WalletAddress))
		return result.Header, nil
	}

	err := result.Err
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, signer.ErrDisabled), errors.Is(err, signer.ErrNoStrategy):
		return "", nil
	case errors.Is(err, signer.ErrTimeout):
		p.logger.Warn("payment signing timed out",
			zap.String("tool", rc.ToolCall.Name))
		return "", nil
	case p.signers.Fallback() == signer.FallbackFail:
		return "", fmt.Errorf("payment signing failed: %w", err)
	default:
		p.logger.Warn("payment signing failed, challenging client",
			zap.String("tool", rc.ToolCall.Name),
			zap.Error(err))
		return "", nil
	}
}

func (p *Pipeline) buildRequirement(call *model.ToolCall) (x402.PaymentRequirement, error) {
	human, err := x402.FormatAmount(call.Pricing.MaxAmountRequiredRaw, call.Pricing.TokenDecimals)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	req := x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           call.Pricing.Network,
		MaxAmountRequired: human,
		Resource:          "mcpay://" + call.Name,
		Description:       "Execution of " + call.Name,
		PayTo:             call.PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             call.Pricing.AssetAddress,
	}
	if err := req.Validate(); err != nil {
		return x402.PaymentRequirement{}, err
	}
	return req, nil
}

// persistPending records the verified payment for later settlement. A
// duplicate signature means the header was already accepted once; storage
// trouble never blocks the forward.
func (p *Pipeline) persistPending(ctx context.Context, rc *RequestContext, call *model.ToolCall, header string) {
	record := model.PaymentRecord{
		ToolID:        call.ToolID,
		UserID:        rc.userID(),
		AmountRaw:     call.Pricing.MaxAmountRequiredRaw,
		TokenDecimals: call.Pricing.TokenDecimals,
		AssetAddress:  call.Pricing.AssetAddress,
		Network:       call.Pricing.Network,
		Status:        model.PaymentPending,
		Signature:     header,
		PayerAddress:  rc.PayerAddress,
	}
	if _, err := p.store.CreatePayment(ctx, record); err != nil {
		if errors.Is(err, model.ErrDuplicatePayment) {
			p.logger.Debug("payment header replayed, keeping original record",
				zap.String("tool", call.Name))
			return
		}
		p.logger.Warn("payment record write failed",
			zap.String("tool", call.Name),
			zap.Error(err))
	}
}

func (p *Pipeline) auditPayment(event string, call *model.ToolCall, data map[string]any) {
	if p.audit == nil {
		return
	}
	payload := map[string]any{
		"tool":      call.Name,
		"server_id": call.ServerID,
	}
	for k, v := range data {
		payload[k] = v
	}
	p.audit.Append(event, payload)
}
