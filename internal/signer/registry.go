package signer

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

// Fallback behaviors applied after a strategy exhausts its retries.
const (
	FallbackFail     = "fail"
	FallbackContinue = "continue"
	FallbackLogOnly  = "log_only"
)

var (
	// ErrDisabled is returned when auto-signing is switched off; callers
	// fall back to challenging the client.
	ErrDisabled = errors.New("payment signing disabled")

	// ErrTimeout is returned when the overall signing deadline expires.
	ErrTimeout = errors.New("timeout")

	// ErrNoStrategy is returned when no registered strategy can sign the
	// request.
	ErrNoStrategy = errors.New("no signing strategy available")
)

// Request carries everything a strategy needs to mint an X-PAYMENT header.
// AmountRaw is the authorization value in the asset's smallest units; the
// requirement's MaxAmountRequired stays in human units for the wire.
type Request struct {
	UserID        string
	Requirement   x402.PaymentRequirement
	AmountRaw     string
	TokenDecimals int
}

// Result reports one signing attempt across the whole registry.
type Result struct {
	OK            bool
	Header        string
	WalletAddress string
	Strategy      string
	Err           error
}

// Payment is a strategy's successful output.
type Payment struct {
	Header        string
	WalletAddress string
}

// Strategy mints payment headers for requests it recognizes. CanSign is a
// cheap predicate; SignPayment may hit external services.
type Strategy interface {
	Name() string
	Priority() int
	CanSign(ctx context.Context, req Request) bool
	SignPayment(ctx context.Context, req Request) (Payment, error)
}

// Config tunes the registry. Zero values fall back to the documented
// defaults: 3 retries, 30s deadline, continue-on-failure.
type Config struct {
	Enabled          bool
	FallbackBehavior string
	MaxRetries       int
	TimeoutMs        int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 30000
	}
	switch c.FallbackBehavior {
	case FallbackFail, FallbackContinue, FallbackLogOnly:
	default:
		c.FallbackBehavior = FallbackContinue
	}
	return c
}

// Registry tries strategies in descending priority until one produces a
// header. Retry pacing and the overall deadline live here, not in the
// strategies.
type Registry struct {
	cfg        Config
	strategies []Strategy
	logger     *zap.Logger

	// backoffUnit is the linear retry increment. Tests shrink it.
	backoffUnit time.Duration
}

func NewRegistry(cfg Config, logger *zap.Logger, strategies ...Strategy) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Strategy, len(strategies))
	copy(sorted, strategies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Registry{
		cfg:         cfg.withDefaults(),
		strategies:  sorted,
		logger:      logger,
		backoffUnit: time.Second,
	}
}

// Enabled reports whether auto-signing is on at all.
func (r *Registry) Enabled() bool { return r.cfg.Enabled }

// Fallback reports the configured post-retry behavior.
func (r *Registry) Fallback() string { return r.cfg.FallbackBehavior }

// Sign walks the strategies and returns the first minted header. The
// deadline covers the whole walk including backoff sleeps.
func (r *Registry) Sign(ctx context.Context, req Request) Result {
	if !r.cfg.Enabled {
		return Result{Err: ErrDisabled}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	var lastErr error
	for _, strategy := range r.strategies {
		if ctx.Err() != nil {
			return Result{Err: ErrTimeout}
		}
		if !strategy.CanSign(ctx, req) {
			continue
		}

		payment, err := r.signWithRetries(ctx, strategy, req)
		if err == nil {
			return Result{
				OK:            true,
				Header:        payment.Header,
				WalletAddress: payment.WalletAddress,
				Strategy:      strategy.Name(),
			}
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return Result{Strategy: strategy.Name(), Err: ErrTimeout}
		}

		lastErr = err
		switch r.cfg.FallbackBehavior {
		case FallbackFail:
			return Result{Strategy: strategy.Name(), Err: err}
		case FallbackLogOnly:
			r.logger.Error("payment strategy failed",
				zap.String("strategy", strategy.Name()),
				zap.String("network", req.Requirement.Network),
				zap.Error(err))
		default:
			r.logger.Warn("payment strategy failed, trying next",
				zap.String("strategy", strategy.Name()),
				zap.String("network", req.Requirement.Network),
				zap.Error(err))
		}
	}

	if lastErr != nil {
		return Result{Err: lastErr}
	}
	return Result{Err: ErrNoStrategy}
}

func (r *Registry) signWithRetries(ctx context.Context, strategy Strategy, req Request) (Payment, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		payment, err := strategy.SignPayment(ctx, req)
		if err == nil {
			return payment, nil
		}
		lastErr = err
		if attempt == r.cfg.MaxRetries {
			break
		}

		// linear backoff: attempt*unit, abandoned when the deadline hits
		timer := time.NewTimer(time.Duration(attempt) * r.backoffUnit)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Payment{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Payment{}, lastErr
}
