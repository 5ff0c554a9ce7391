package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.RateLimit.Capacity != 30 {
		t.Fatalf("default capacity = %d, want 30", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.RefillPerSecond != 0.5 {
		t.Fatalf("default refill = %v, want 0.5", cfg.RateLimit.RefillPerSecond)
	}
	if cfg.RateLimit.MinDelayMs != 1000 {
		t.Fatalf("default min delay = %d, want 1000", cfg.RateLimit.MinDelayMs)
	}
	if cfg.Signer.FallbackBehavior != "continue" {
		t.Fatalf("default fallback = %q, want continue", cfg.Signer.FallbackBehavior)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpay.toml")
	raw := `
listen_addr = "127.0.0.1:9000"
mode = "test"

[rate_limit]
capacity = 5
min_delay_ms = 200

[facilitator]
default_url = "https://facilitator.example"

[facilitator.network_urls]
"base-sepolia" = "https://sepolia.example"
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeTest {
		t.Fatalf("mode = %q, want test", cfg.Mode)
	}
	if cfg.RateLimit.Capacity != 5 {
		t.Fatalf("capacity = %d, want 5", cfg.RateLimit.Capacity)
	}
	// untouched keys keep their defaults
	if cfg.RateLimit.RefillPerSecond != 0.5 {
		t.Fatalf("refill = %v, want default 0.5", cfg.RateLimit.RefillPerSecond)
	}
	if cfg.Facilitator.NetworkURLs["base-sepolia"] != "https://sepolia.example" {
		t.Fatalf("network_urls = %v", cfg.Facilitator.NetworkURLs)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpay.toml")
	if err := os.WriteFile(path, []byte("[rate_limit]\ncapacity = 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RATE_LIMIT_CAPACITY", "7")
	t.Setenv("PAYMENT_STRATEGY_FALLBACK", "fail")
	t.Setenv("SEI_TESTNET_FACILITATOR_URL", "https://sei.example")

	cfg, err := Load(Options{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimit.Capacity != 7 {
		t.Fatalf("capacity = %d, want env override 7", cfg.RateLimit.Capacity)
	}
	if cfg.Signer.FallbackBehavior != "fail" {
		t.Fatalf("fallback = %q, want fail", cfg.Signer.FallbackBehavior)
	}
	if cfg.Facilitator.NetworkURLs["sei-testnet"] != "https://sei.example" {
		t.Fatalf("network_urls = %v", cfg.Facilitator.NetworkURLs)
	}
}

func TestModeSelectorPrecedence(t *testing.T) {
	t.Setenv("NODE_ENV", "test")
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeTest {
		t.Fatalf("mode = %q, want test from NODE_ENV", cfg.Mode)
	}

	t.Setenv("MCPAY_ENV", "production")
	cfg, err = Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModeProduction {
		t.Fatalf("mode = %q, want MCPAY_ENV to win over NODE_ENV", cfg.Mode)
	}
}

func TestOverridesWinOverEnv(t *testing.T) {
	t.Setenv("MCPAY_LISTEN_ADDR", "127.0.0.1:7000")
	listen := "127.0.0.1:7001"
	cfg, err := Load(Options{Overrides: &Overrides{ListenAddr: &listen}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7001" {
		t.Fatalf("listen_addr = %q, want flag override", cfg.ListenAddr)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bad listen":   func(c *Config) { c.ListenAddr = "not-an-addr" },
		"bad mode":     func(c *Config) { c.Mode = "staging" },
		"bad fallback": func(c *Config) { c.Signer.FallbackBehavior = "sometimes" },
		"zero refill":  func(c *Config) { c.RateLimit.RefillPerSecond = 0 },
		"bad fac url":  func(c *Config) { c.Facilitator.DefaultURL = "not a url" },
	} {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
