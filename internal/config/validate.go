package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var fallbackBehaviors = []string{"fail", "continue", "log_only"}

// Validate checks shape constraints that would otherwise surface as
// confusing runtime failures. Called once at startup.
func Validate(cfg Config) error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("CONFIG_INVALID: listen_addr %q is not host:port: %w", cfg.ListenAddr, err)
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fmt.Errorf("CONFIG_INVALID: state_dir is required")
	}

	switch cfg.Mode {
	case ModeProduction, ModeTest, "development":
	default:
		return fmt.Errorf("CONFIG_INVALID: mode=%q; allowed: production, development, test", cfg.Mode)
	}

	if cfg.RateLimit.Capacity <= 0 {
		return fmt.Errorf("CONFIG_INVALID: rate_limit.capacity must be positive")
	}
	if cfg.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("CONFIG_INVALID: rate_limit.refill_per_second must be positive")
	}
	if cfg.RateLimit.MinDelayMs < 0 {
		return fmt.Errorf("CONFIG_INVALID: rate_limit.min_delay_ms must not be negative")
	}

	if !stringIn(cfg.Signer.FallbackBehavior, fallbackBehaviors) {
		return fmt.Errorf("CONFIG_INVALID: signer.fallback_behavior=%q; allowed: %s",
			cfg.Signer.FallbackBehavior, strings.Join(fallbackBehaviors, ", "))
	}
	if cfg.Signer.MaxRetries <= 0 {
		return fmt.Errorf("CONFIG_INVALID: signer.max_retries must be positive")
	}
	if cfg.Signer.TimeoutMs <= 0 {
		return fmt.Errorf("CONFIG_INVALID: signer.timeout_ms must be positive")
	}

	if err := validateFacilitatorURL("facilitator.default_url", cfg.Facilitator.DefaultURL); err != nil {
		return err
	}
	for network, u := range cfg.Facilitator.NetworkURLs {
		if err := validateFacilitatorURL("facilitator.network_urls."+network, u); err != nil {
			return err
		}
	}

	if cfg.Settlement.Enabled && cfg.Settlement.IntervalSec <= 0 {
		return fmt.Errorf("CONFIG_INVALID: settlement.interval_sec must be positive")
	}
	return nil
}

func validateFacilitatorURL(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("CONFIG_INVALID: %s=%q is not an absolute URL", key, raw)
	}
	switch parsed.Scheme {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("CONFIG_INVALID: %s=%q must use http or https", key, raw)
	}
}

func stringIn(value string, allowed []string) bool {
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}
