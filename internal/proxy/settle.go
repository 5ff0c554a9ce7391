package proxy

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// Settler drains pending payment records in the background. Each record's
// X-PAYMENT header is re-decoded and submitted to the facilitator for the
// record's network; transient facilitator trouble leaves the record
// pending for the next pass.
type Settler struct {
	store        model.Store
	facilitators *x402.FacilitatorPool
	audit        *AuditLog
	logger       *zap.Logger

	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewSettler(store model.Store, facilitators *x402.FacilitatorPool, audit *AuditLog, logger *zap.Logger, interval time.Duration, batchSize int) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Settler{
		store:        store,
		facilitators: facilitators,
		audit:        audit,
		logger:       logger,
		interval:     interval,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

// Run loops until the context is cancelled. One pass runs immediately so
// records left over from a previous process do not wait a full interval.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SettleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SettleOnce(ctx)
		}
	}
}

// SettleOnce processes at most one batch of pending records and reports
// how many settled and how many were marked failed.
func (s *Settler) SettleOnce(ctx context.Context) (settled, failed int) {
	pending, err := s.store.ListPendingPayments(ctx, s.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("pending payment list failed", zap.Error(err))
		}
		return 0, 0
	}

	for _, record := range pending {
		if ctx.Err() != nil {
			return settled, failed
		}
		switch s.settleRecord(ctx, record) {
		case settleOutcomeSettled:
			settled++
		case settleOutcomeFailed:
			failed++
		}
	}
	return settled, failed
}

type settleOutcome int

const (
	settleOutcomeRetry settleOutcome = iota
	settleOutcomeSettled
	settleOutcomeFailed
)

func (s *Settler) settleRecord(ctx context.Context, record model.PaymentRecord) settleOutcome {
	payload, err := x402.DecodePaymentHeader(record.Signature)
	if err != nil {
		return s.markFailed(ctx, record, "stored payment header is undecodable: "+err.Error())
	}

	requirement := s.rebuildRequirement(ctx, record, payload)
	facilitator := s.facilitators.ForNetwork(record.Network)

	resp, err := facilitator.Settle(ctx, payload, requirement)
	if err != nil {
		var facErr *x402.FacilitatorError
		if errors.As(err, &facErr) && facErr.Retryable {
			s.logger.Warn("settlement deferred",
				zap.String("payment_id", record.ID),
				zap.String("network", record.Network),
				zap.Error(err))
			return settleOutcomeRetry
		}
		if ctx.Err() != nil {
			return settleOutcomeRetry
		}
		return s.markFailed(ctx, record, err.Error())
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "settlement rejected"
		}
		return s.markFailed(ctx, record, reason)
	}

	if err := s.store.MarkPaymentSettled(ctx, record.ID, resp.Transaction, s.now()); err != nil {
		s.logger.Error("settled payment update failed",
			zap.String("payment_id", record.ID),
			zap.Error(err))
		return settleOutcomeRetry
	}

	s.logger.Info("payment settled",
		zap.String("payment_id", record.ID),
		zap.String("network", record.Network),
		zap.String("transaction", resp.Transaction))
	if s.audit != nil {
		s.audit.Append("payment_settled", map[string]any{
			"payment_id":  record.ID,
			"network":     record.Network,
			"transaction": resp.Transaction,
			"payer":       record.PayerAddress,
			"amount_raw":  record.AmountRaw,
		})
	}
	return settleOutcomeSettled
}

func (s *Settler) markFailed(ctx context.Context, record model.PaymentRecord, reason string) settleOutcome {
	if err := s.store.MarkPaymentFailed(ctx, record.ID, reason, s.now()); err != nil {
		s.logger.Error("failed payment update failed",
			zap.String("payment_id", record.ID),
			zap.Error(err))
		return settleOutcomeRetry
	}

	s.logger.Warn("payment settlement failed",
		zap.String("payment_id", record.ID),
		zap.String("network", record.Network),
		zap.String("reason", reason))
	if s.audit != nil {
		s.audit.Append("payment_failed", map[string]any{
			"stage":      "settle",
			"payment_id": record.ID,
			"network":    record.Network,
			"reason":     reason,
		})
	}
	return settleOutcomeFailed
}

// rebuildRequirement reconstructs the requirement the header was verified
// against. Tool and server rows supply the receiver and resource name; if
// either is gone the authorization's destination stands in.
func (s *Settler) rebuildRequirement(ctx context.Context, record model.PaymentRecord, payload x402.PaymentPayload) x402.PaymentRequirement {
	human, err := x402.FormatAmount(record.AmountRaw, record.TokenDecimals)
	if err != nil {
		human = record.AmountRaw
	}
	requirement := x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           record.Network,
		MaxAmountRequired: human,
		Resource:          "mcpay://payment",
		Description:       "Settlement of verified payment",
		PayTo:             payload.Payload.Authorization.To,
		MaxTimeoutSeconds: 60,
		Asset:             record.AssetAddress,
	}

	tool, err := s.store.GetToolByID(ctx, record.ToolID)
	if err != nil {
		return requirement
	}
	requirement.Resource = "mcpay://" + tool.Name
	requirement.Description = "Execution of " + tool.Name

	server, err := s.store.GetServerByServerID(ctx, tool.ServerID)
	if err == nil && server.ReceiverAddress != "" {
		requirement.PayTo = server.ReceiverAddress
	}
	return requirement
}
